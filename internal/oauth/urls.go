package oauth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ButtonHref returns the href for a "Sign in with Apple" button. Apple posts
// the result back to redirectURL as a form.
func ButtonHref(baseURL, clientID, redirectURL, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("scope", "name email")
	q.Set("redirect_uri", redirectURL)
	q.Set("state", state)
	q.Set("response_type", "code id_token")
	q.Set("response_mode", "form_post")
	q.Set("usePopup", "true")
	return strings.TrimRight(baseURL, "/") + AuthorizePath + "?" + q.Encode()
}

// AndroidRedirect builds the intent:// deep link that hands the form Apple
// posted to the callback back to an Android app.
func AndroidRedirect(packageID string, form map[string]string) string {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(form[key]))
	}

	return fmt.Sprintf("intent://callback?%s#Intent;package=%s;scheme=signinwithapple;end",
		strings.Join(pairs, "&"), packageID)
}
