package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

const defaultCacheTTL = time.Second

// target is the resolved routing decision for a host.
type target struct {
	projectID   string
	projectName string
	kind        domain.StateKind
	address     string
	certPending bool
	found       bool
}

type cacheEntry struct {
	target    target
	expiresAt time.Time
}

// Router terminates inbound traffic and forwards it to the container
// backing the host's project. It only ever reads state: resolution is a
// read-through against the store with a short-TTL cache, so the persisted
// record stays the single source of truth and an address change is
// observed within one TTL.
type Router struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	suffix   string
	logger   *slog.Logger

	cacheTTL  time.Duration
	mu        sync.Mutex
	cache     map[string]cacheEntry
	transport http.RoundTripper
	now       func() time.Time
}

// NewRouter constructs a proxy router. suffix is the platform wildcard
// domain including the leading dot, e.g. ".shuttleapp.test".
func NewRouter(projects repository.ProjectRepository, domains repository.DomainRepository, suffix string, cacheTTL time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Router{
		projects: projects,
		domains:  domains,
		suffix:   strings.ToLower(suffix),
		logger:   logger.With("component", "proxy"),
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			ForceAttemptHTTP2:     false,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		now: time.Now,
	}
}

// ServeHTTP resolves the Host header and forwards the request.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostname(r.Host)
	if host == "" {
		rt.placeholder(w, http.StatusNotFound, "unknown project")
		recordProxyRequest("unknown_host")
		return
	}

	tgt, err := rt.resolve(r.Context(), host)
	if err != nil {
		rt.logger.Error("host resolution failed", "host", host, "error", err)
		rt.placeholder(w, http.StatusServiceUnavailable, "temporarily unavailable")
		recordProxyRequest("resolve_error")
		return
	}
	if !tgt.found {
		rt.placeholder(w, http.StatusNotFound, "unknown project")
		recordProxyRequest("unknown_host")
		return
	}
	if tgt.certPending {
		w.Header().Set("Retry-After", "10")
		rt.placeholder(w, http.StatusServiceUnavailable, "certificate issuance in progress")
		recordProxyRequest("cert_pending")
		return
	}
	if tgt.address == "" {
		rt.placeholder(w, http.StatusServiceUnavailable, rt.idleMessage(tgt.kind))
		recordProxyRequest("not_ready")
		return
	}

	rt.forward(w, r, host, tgt)
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, host string, tgt target) {
	backend := &url.URL{Scheme: "http", Host: tgt.address}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:     rt.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// The container may have died between lookup and connect; drop
			// the cached address so the next request re-reads the store.
			rt.invalidate(host)
			rt.logger.Warn("upstream connection failed", "project", tgt.projectName, "address", tgt.address, "error", err)
			rt.placeholder(w, http.StatusBadGateway, "upstream unavailable, retry shortly")
			recordProxyRequest("bad_gateway")
		},
	}
	recordProxyRequest("forwarded")
	proxy.ServeHTTP(w, r)
}

// resolve maps a host to its project's routing target: a platform
// subdomain resolves by project name, anything else by custom domain
// binding.
func (rt *Router) resolve(ctx context.Context, host string) (target, error) {
	rt.mu.Lock()
	if entry, ok := rt.cache[host]; ok && rt.now().Before(entry.expiresAt) {
		rt.mu.Unlock()
		return entry.target, nil
	}
	rt.mu.Unlock()

	tgt, err := rt.lookup(ctx, host)
	if err != nil {
		return target{}, err
	}

	rt.mu.Lock()
	rt.cache[host] = cacheEntry{target: tgt, expiresAt: rt.now().Add(rt.cacheTTL)}
	rt.mu.Unlock()
	return tgt, nil
}

func (rt *Router) lookup(ctx context.Context, host string) (target, error) {
	var (
		project     *domain.Project
		err         error
		certPending bool
	)

	if name, ok := rt.subdomainLabel(host); ok {
		project, err = rt.projects.GetProjectByName(ctx, name)
	} else {
		var binding *domain.CustomDomain
		binding, err = rt.domains.GetDomain(ctx, host)
		if err == nil {
			certPending = binding.CertStatus != domain.CertStatusIssued
			project, err = rt.projects.GetProjectByID(ctx, binding.ProjectID)
		}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return target{}, nil
	}
	if err != nil {
		return target{}, err
	}

	return target{
		projectID:   project.ID,
		projectName: project.Name,
		kind:        project.State.Kind,
		address:     project.State.RouteAddress(),
		certPending: certPending,
		found:       true,
	}, nil
}

// subdomainLabel extracts the project name from a platform subdomain. Only
// single-label subdomains are projects; anything deeper is unknown.
func (rt *Router) subdomainLabel(host string) (string, bool) {
	if rt.suffix == "" || !strings.HasSuffix(host, rt.suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, rt.suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

func (rt *Router) invalidate(host string) {
	rt.mu.Lock()
	delete(rt.cache, host)
	rt.mu.Unlock()
}

func (rt *Router) idleMessage(kind domain.StateKind) string {
	switch kind {
	case domain.StateRequested, domain.StateStarting, domain.StateRestarting:
		return "deployment in progress, retry shortly"
	default:
		return "project is not running"
	}
}

func (rt *Router) placeholder(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func hostname(hostport string) string {
	host := strings.ToLower(strings.TrimSpace(hostport))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
