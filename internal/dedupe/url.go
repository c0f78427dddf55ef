package dedupe

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are stripped during URL canonicalization. Two URLs that
// differ only in campaign noise identify the same document.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "gclid": {}, "fbclid": {}, "mc_cid": {}, "mc_eid": {},
	"ref": {}, "referrer": {},
}

// CanonicalURL normalizes a URL for exact-duplicate lookup: lowercased
// scheme and host, default ports dropped, tracking parameters stripped,
// remaining query sorted, fragment removed, trailing slash resolved.
// Unparseable input is returned trimmed rather than rejected; a weird URL
// still dedupes against byte-identical weird URLs.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	q := u.Query()
	for param := range q {
		if _, tracked := trackingParams[strings.ToLower(param)]; tracked {
			q.Del(param)
		}
	}
	u.RawQuery = encodeSorted(q)

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String()
}

// encodeSorted renders query values with keys in sorted order so parameter
// order never distinguishes two URLs.
func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
