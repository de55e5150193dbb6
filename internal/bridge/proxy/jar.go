package proxy

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Jar is the cookie store shared by every request a proxy makes. Reads and
// writes for one registrable domain are serialised.
type Jar struct {
	mu    sync.RWMutex
	jar   *cookiejar.Jar
	locks sync.Map // registrable domain -> *sync.Mutex
}

// NewJar creates an empty jar keyed by the public suffix list.
func NewJar() *Jar {
	return &Jar{jar: newCookieJar()}
}

func newCookieJar() *cookiejar.Jar {
	// cookiejar.New never returns an error.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// DomainKey returns the registrable domain (eTLD+1) for u, or the bare host
// for IPs and single-label hosts.
func DomainKey(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	if key, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return key
	}
	return host
}

func (j *Jar) lock(u *url.URL) func() {
	m, _ := j.locks.LoadOrStore(DomainKey(u), &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (j *Jar) current() *cookiejar.Jar {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar
}

// Merge builds the Cookie header for a request to u. Cookies named in
// scriptHeader win over stored cookies of the same name.
func (j *Jar) Merge(u *url.URL, scriptHeader string) string {
	unlock := j.lock(u)
	defer unlock()

	var (
		parts []string
		seen  = make(map[string]struct{})
	)
	for _, pair := range strings.Split(scriptHeader, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		seen[strings.TrimSpace(name)] = struct{}{}
		parts = append(parts, pair)
	}

	for _, c := range j.current().Cookies(u) {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Persist stores cookies received in a response from u.
func (j *Jar) Persist(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	unlock := j.lock(u)
	defer unlock()
	j.current().SetCookies(u, cookies)
}

// Import stores cookies obtained out of band, such as from a solved
// challenge. Cookies without a path apply to the whole site.
func (j *Jar) Import(u *url.URL, cookies []*http.Cookie) {
	for _, c := range cookies {
		if c.Path == "" {
			c.Path = "/"
		}
	}
	j.Persist(u, cookies)
}

// Cookies returns the cookies that would be sent to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.current().Cookies(u)
}

// Clear drops every stored cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = newCookieJar()
}
