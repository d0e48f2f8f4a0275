// Package credentials implements the Credential Resolver (C4): a global
// login and per-path overrides, all process-local and never persisted
// (§4.4, §9). There is no per-episode credential layer.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

const securityCheckPath = "/j_security_check"

// Resolver implements interfaces.CredentialResolver. It holds one
// process-local cookie jar per distinct login: the global jar, plus one jar
// per matched path override, lazily established on first use (§4.4).
type Resolver struct {
	rootURL        string
	requestTimeout time.Duration
	global         models.Login
	perPath        []models.PathCredential
	logger         arbor.ILogger

	mu        sync.Mutex
	globalJar *models.CookieJar
	pathJars  map[string]*models.CookieJar // keyed by URLPrefix
}

// New constructs a Resolver. global may be the zero Login when the portal
// requires no authentication. rootURL anchors the global j_security_check
// endpoint (per-path/per-episode logins are already absolute, §4.4).
func New(rootURL string, global models.Login, perPath []models.PathCredential, requestTimeout time.Duration, logger arbor.ILogger) *Resolver {
	return &Resolver{
		rootURL:        strings.TrimSuffix(rootURL, "/"),
		requestTimeout: requestTimeout,
		global:         global,
		perPath:        perPath,
		logger:         logger,
		pathJars:       make(map[string]*models.CookieJar),
	}
}

// Resolve returns the Cookie header to attach for seriesURL, layering the
// first matching per-path login's cookies over the global ones (§4.4). No
// per-episode override is applied. A per-path login failure falls back to
// the global jar's cookies.
func (r *Resolver) Resolve(ctx context.Context, seriesURL string) (map[string]string, error) {
	stripped := common.StripSeriesSuffix(seriesURL)

	global, err := r.globalCookieJar(ctx)
	if err != nil {
		return nil, fmt.Errorf("global login: %w", err)
	}

	cookies := cookiesFor(global, seriesURL)
	if match := r.matchPath(stripped); match != nil {
		pathJar, err := r.pathCookieJar(ctx, *match)
		if err != nil {
			r.logger.Warn().Str("url_prefix", match.URLPrefix).Err(err).Msg("Per-path login failed, falling back to global credentials")
		} else {
			cookies = mergeCookies(cookies, cookiesFor(pathJar, seriesURL))
		}
	}

	cookieHeader := cookieHeaderFromCookies(cookies)
	if cookieHeader == "" {
		return map[string]string{}, nil
	}
	return map[string]string{"Cookie": cookieHeader}, nil
}

// matchPath finds the first per-path credential whose URLPrefix prefixes
// stripped (§4.4 step 3).
func (r *Resolver) matchPath(stripped string) *models.PathCredential {
	for i := range r.perPath {
		if strings.HasPrefix(stripped, r.perPath[i].URLPrefix) {
			return &r.perPath[i]
		}
	}
	return nil
}

func (r *Resolver) globalCookieJar(ctx context.Context) (*models.CookieJar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.globalJar != nil {
		return r.globalJar, nil
	}
	if r.global.User == "" {
		return nil, nil
	}

	cj, err := r.login(ctx, r.rootURL+securityCheckPath, r.global, true)
	if err != nil {
		return nil, err
	}
	r.globalJar = cj
	return cj, nil
}

func (r *Resolver) pathCookieJar(ctx context.Context, cred models.PathCredential) (*models.CookieJar, error) {
	r.mu.Lock()
	if existing, ok := r.pathJars[cred.URLPrefix]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	loginURL := common.SeriesLoginURL(cred.URLPrefix)
	cj, err := r.login(ctx, loginURL, cred.Login, false)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pathJars[cred.URLPrefix] = cj
	r.mu.Unlock()
	return cj, nil
}

// login performs the credential POST against loginURL and returns the
// resulting cookie jar. The global j_security_check endpoint and per-series
// .series-login.json endpoint use different form field names (§6).
func (r *Resolver) login(ctx context.Context, loginURL string, creds models.Login, global bool) (*models.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar, Timeout: r.requestTimeout}

	form := url.Values{}
	form.Set("_charset_", "utf-8")
	if global {
		form.Set("j_username", creds.User)
		form.Set("j_password", creds.Pass)
		form.Set("j_validate", "true")
	} else {
		form.Set("username", creds.User)
		form.Set("password", creds.Pass)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("login to %s failed with status %d", loginURL, resp.StatusCode)
	}

	return &models.CookieJar{Jar: jar, Login: creds}, nil
}

// cookiesFor returns jar's cookies for seriesURL, or nil if jar is unset.
func cookiesFor(jar *models.CookieJar, seriesURL string) []*http.Cookie {
	if jar == nil || jar.Jar == nil {
		return nil
	}
	u, err := url.Parse(seriesURL)
	if err != nil {
		return nil
	}
	return jar.Jar.Cookies(u)
}

// mergeCookies unions base and override by name, override winning on any
// collision (§4.4 step 3: the per-path cookie "merg[es] with G", the
// global jar).
func mergeCookies(base, override []*http.Cookie) []*http.Cookie {
	byName := make(map[string]*http.Cookie, len(base)+len(override))
	order := make([]string, 0, len(base)+len(override))
	for _, c := range base {
		if _, exists := byName[c.Name]; !exists {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}
	for _, c := range override {
		if _, exists := byName[c.Name]; !exists {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}
	merged := make([]*http.Cookie, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}
	return merged
}

// cookieHeaderFromCookies renders cookies as a Cookie header value.
func cookieHeaderFromCookies(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
