package helpers

import (
	"errors"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// sessionParams are query keys that change per visit and never identify
// the archived resource.
var sessionParams = map[string]bool{
	"jsessionid":   true,
	"phpsessid":    true,
	"aspsessionid": true,
	"sessionid":    true,
	"sid":          true,
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

var wwwPrefix = regexp.MustCompile(`^www\d*\.`)

// CanonicalURL normalises raw the way captures are keyed: lower-case scheme
// and host, no default port, no fragment, a clean path and a sorted query
// without session identifiers. A missing scheme means http.
func CanonicalURL(raw string) (string, error) {
	u, err := parseLoose(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url missing host")
	}
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.User = nil
	u.Path = cleanPath(u.Path)
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = sortedQuery(u.Query())
	return u.String(), nil
}

// URLKey returns the SURT-ordered lookup key for raw, the form archive
// indexes sort on: "http://www.Example.org:8080/a?b=1" becomes
// "org,example:8080)/a?b=1". Scheme and a leading www label are dropped.
func URLKey(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(canonical)
	if err != nil {
		return "", err
	}
	host := parsed.Hostname()
	port := parsed.Port()
	host = wwwPrefix.ReplaceAllString(host, "")
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	var b strings.Builder
	b.WriteString(strings.Join(labels, ","))
	if port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteByte(')')
	b.WriteString(strings.ToLower(parsed.EscapedPath()))
	if parsed.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(strings.ToLower(parsed.RawQuery))
	}
	return b.String(), nil
}

// SameURLKey reports whether a and b canonicalise to the same lookup key.
func SameURLKey(a, b string) bool {
	ka, errA := URLKey(a)
	kb, errB := URLKey(b)
	return errA == nil && errB == nil && ka == kb
}

func parseLoose(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "http:" + raw
	case !strings.Contains(raw, "://"):
		raw = "http://" + raw
	}
	return url.Parse(raw)
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	c := path.Clean("/" + p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}

func sortedQuery(q url.Values) string {
	pairs := make([]string, 0, len(q))
	for k, vs := range q {
		if sessionParams[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			pair := url.QueryEscape(k)
			if v != "" {
				pair += "=" + url.QueryEscape(v)
			}
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
