package s2s

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ServiceConfig is the entity owned by ConfigMirror.
type ServiceConfig struct {
	Env             string
	Slug            string
	MajorVersion    int
	BaseURL         string
	Enabled         bool
	IsS2STarget     bool
	ExposeHealth    bool
	OutboundPrefix  string
	UpdatedAt       time.Time
	Revision        int
}

// Target is the resolved result of ConfigMirror.Resolve.
type Target struct {
	BaseURL               string
	Slug                  string
	Version               int
	IsAuthorized          bool
	ReasonIfNotAuthorized string
	OutboundPrefix        string
}

const (
	ReasonNotFound        = "NOT_FOUND"
	ReasonDisabled        = "DISABLED"
	ReasonNotS2STarget    = "NOT_S2S_TARGET"
	ReasonBaseURLMissing  = "BASEURL_MISSING"
)

type cacheEntry struct {
	cfg       ServiceConfig
	expiresAt time.Time
	notFound  bool
}

// Mirror is the in-process TTL cache of (env, slug, majorVersion) ->
// ServiceConfig. It is deliberately process-local; a persistent
// distributed cache is out of scope.
type Mirror struct {
	configServiceSlug string
	configServiceURL  string
	ttl               time.Duration
	httpClient        *http.Client

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	log *slog.Logger
}

// NewMirror constructs a Mirror. configServiceURL must be an absolute URL.
func NewMirror(configServiceSlug, configServiceURL string, ttl time.Duration, log *slog.Logger) (*Mirror, error) {
	if _, err := url.ParseRequestURI(configServiceURL); err != nil {
		return nil, fmt.Errorf("s2s: %w: invalid CONFIG_SERVICE_URL %q: %v", ErrFatal, configServiceURL, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		configServiceSlug: configServiceSlug,
		configServiceURL:  strings.TrimRight(configServiceURL, "/"),
		ttl:               ttl,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		cache:             make(map[string]*cacheEntry),
		log:               log,
	}, nil
}

func cacheKey(env, slug string, version int) string {
	return env + ":" + slug + ":" + strconv.Itoa(version)
}

// Resolve looks up env/slug/version, using the cached entry if still
// fresh and refreshing from the config service otherwise.
func (m *Mirror) Resolve(env, slug string, version int) (Target, error) {
	if slug == m.configServiceSlug {
		return Target{
			BaseURL:      m.configServiceURL,
			Slug:         slug,
			Version:      version,
			IsAuthorized: true,
		}, nil
	}

	key := cacheKey(env, slug, version)

	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		m.touch(key)
		if entry.notFound {
			return Target{Slug: slug, Version: version, IsAuthorized: false, ReasonIfNotAuthorized: ReasonNotFound}, nil
		}
		return toTarget(entry.cfg), nil
	}

	cfg, err := m.fetch(env, slug, version)
	if err != nil {
		return Target{}, err
	}
	if cfg == nil {
		// Zero items: not found, but still cacheable as a negative result
		// under the NOT_FOUND reason so repeated misses don't hammer the
		// config service within the TTL window.
		notFound := ServiceConfig{Env: env, Slug: slug, MajorVersion: version}
		m.mu.Lock()
		m.cache[key] = &cacheEntry{cfg: notFound, expiresAt: time.Now().Add(m.ttl), notFound: true}
		m.mu.Unlock()
		return Target{Slug: slug, Version: version, IsAuthorized: false, ReasonIfNotAuthorized: ReasonNotFound}, nil
	}

	m.put(key, *cfg)
	return toTarget(*cfg), nil
}

// WarmAll prepopulates the cache via the bulk listAll endpoint. Never
// called from the hot path.
func (m *Mirror) WarmAll(env string) error {
	u := fmt.Sprintf("%s/config/listAll?env=%s", m.configServiceURL, url.QueryEscape(env))
	resp, err := m.httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("s2s: warm listAll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("s2s: warm listAll status %d", resp.StatusCode)
	}

	var envelope struct {
		Items []configItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("s2s: warm listAll decode: %w", err)
	}

	for _, item := range envelope.Items {
		cfg := item.toServiceConfig(env)
		m.put(cacheKey(env, cfg.Slug, cfg.MajorVersion), cfg)
	}
	m.log.Info("config mirror warmed", slog.Int("count", len(envelope.Items)), slog.String("env", env))
	return nil
}

func (m *Mirror) fetch(env, slug string, version int) (*ServiceConfig, error) {
	u := fmt.Sprintf("%s/config/s2s-route?env=%s&slug=%s&majorVersion=%d",
		m.configServiceURL, url.QueryEscape(env), url.QueryEscape(slug), version)

	resp, err := m.httpClient.Get(u)
	if err != nil {
		return nil, newErr(KindUpstreamNetwork, "config service unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newErr(KindUpstreamNon2xx, fmt.Sprintf("config service status %d", resp.StatusCode), nil)
	}

	var envelope struct {
		Items []configItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, newErr(KindUpstreamBadJSON, "malformed config-service response", err)
	}

	switch len(envelope.Items) {
	case 0:
		return nil, nil
	case 1:
		cfg := envelope.Items[0].toServiceConfig(env)
		return &cfg, nil
	default:
		return nil, newErr(KindDuplicateConfig, fmt.Sprintf("%d items for %s/%s/v%d", len(envelope.Items), env, slug, version), nil)
	}
}

func (m *Mirror) put(key string, cfg ServiceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = &cacheEntry{cfg: cfg, expiresAt: time.Now().Add(m.ttl)}
}

func (m *Mirror) touch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[key]; ok {
		e.expiresAt = time.Now().Add(m.ttl)
	}
}

// toTarget converts a raw ServiceConfig into the authorization-decorated
// Target callers actually consume.
func toTarget(cfg ServiceConfig) Target {
	t := Target{BaseURL: cfg.BaseURL, Slug: cfg.Slug, Version: cfg.MajorVersion, OutboundPrefix: cfg.OutboundPrefix}
	switch {
	case !cfg.Enabled:
		t.ReasonIfNotAuthorized = ReasonDisabled
	case !cfg.IsS2STarget:
		t.ReasonIfNotAuthorized = ReasonNotS2STarget
	case strings.TrimSpace(cfg.BaseURL) == "":
		t.ReasonIfNotAuthorized = ReasonBaseURLMissing
	default:
		t.IsAuthorized = true
		t.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return t
}

type configItem struct {
	Slug           string `json:"slug"`
	MajorVersion   int    `json:"majorVersion"`
	BaseURL        string `json:"baseUrl"`
	Enabled        bool   `json:"enabled"`
	IsS2STarget    bool   `json:"isS2STarget"`
	ExposeHealth   bool   `json:"exposeHealth"`
	OutboundPrefix string `json:"outboundApiPrefix"`
	Revision       int    `json:"revision"`
}

func (c configItem) toServiceConfig(env string) ServiceConfig {
	prefix := c.OutboundPrefix
	if prefix == "" {
		prefix = "/api"
	}
	return ServiceConfig{
		Env:            env,
		Slug:           c.Slug,
		MajorVersion:   c.MajorVersion,
		BaseURL:        c.BaseURL,
		Enabled:        c.Enabled,
		IsS2STarget:    c.IsS2STarget,
		ExposeHealth:   c.ExposeHealth,
		OutboundPrefix: prefix,
		UpdatedAt:      time.Now(),
		Revision:       c.Revision,
	}
}
