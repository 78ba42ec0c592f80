package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

// restHandler serves one REST route. Returned errors are rendered with
// their gRPC status mapped onto an HTTP code.
type restHandler func(r *http.Request, params map[string]string) (any, error)

// Handler returns the HTTP surface: probes, metrics and the /v1 REST API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	if h := s.opts.Health; h != nil {
		r.Get("/healthz", h.LivenessHandler)
		r.Get("/readyz", h.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(sr chi.Router) {
		if limiter := newClientLimiter(s.opts.RateLimitPerMin); limiter != nil {
			sr.Use(limiter.middleware)
		}
		sr.Handle("/*", s.gateway())
	})
	return r
}

func (s *Server) gateway() *runtime.ServeMux {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		runtime.WithErrorHandler(s.httpError),
	)
	svc := s.svc

	s.route(mux, http.MethodPost, "/v1/commands/{command}", s.commandRoute(lenderCommands))
	s.route(mux, http.MethodPost, "/v1/admin/commands/{command}", s.commandRoute(adminCommands))

	s.route(mux, http.MethodGet, "/v1/pool", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.GetPool(r.Context(), &Empty{})
	})
	s.route(mux, http.MethodGet, "/v1/lenders/{lender}", func(r *http.Request, p map[string]string) (any, error) {
		return svc.GetLender(r.Context(), &LenderRequest{Lender: p["lender"]})
	})
	s.route(mux, http.MethodGet, "/v1/lenders/{lender}/balance", func(r *http.Request, p map[string]string) (any, error) {
		return svc.GetBalance(r.Context(), &LenderRequest{Lender: p["lender"]})
	})
	s.route(mux, http.MethodGet, "/v1/lenders/{lender}/fills", func(r *http.Request, p map[string]string) (any, error) {
		req, err := pageRequest(r, p["lender"])
		if err != nil {
			return nil, err
		}
		return svc.ListLenderFills(r.Context(), req)
	})
	s.route(mux, http.MethodGet, "/v1/lenders/{lender}/journals", func(r *http.Request, p map[string]string) (any, error) {
		req, err := pageRequest(r, p["lender"])
		if err != nil {
			return nil, err
		}
		return svc.ListJournals(r.Context(), req)
	})
	s.route(mux, http.MethodGet, "/v1/epochs", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := pageRequest(r, "")
		if err != nil {
			return nil, err
		}
		return svc.ListEpochs(r.Context(), req)
	})
	s.route(mux, http.MethodGet, "/v1/tranches/{tranche}/epochs", func(r *http.Request, p map[string]string) (any, error) {
		return svc.ListEpochSummaries(r.Context(), &TrancheRequest{Tranche: p["tranche"]})
	})
	s.route(mux, http.MethodGet, "/v1/covers/{cover}/providers/{provider}", func(r *http.Request, p map[string]string) (any, error) {
		return svc.GetCoverPosition(r.Context(), &CoverPositionRequest{Cover: p["cover"], Provider: p["provider"]})
	})

	s.route(mux, http.MethodGet, "/v1/admin/balances", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.ListSystemBalances(r.Context(), &Empty{})
	})
	s.route(mux, http.MethodPost, "/v1/admin/snapshots", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.TakeSnapshot(r.Context(), &Empty{})
	})
	s.route(mux, http.MethodPost, "/v1/admin/projections/rebuild", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.RebuildProjections(r.Context(), &Empty{})
	})
	s.route(mux, http.MethodGet, "/v1/admin/eventlog", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.GetEventLogInfo(r.Context(), &Empty{})
	})
	s.route(mux, http.MethodGet, "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
		return svc.VerifyIntegrity(r.Context(), &Empty{})
	})
	return mux
}

func (s *Server) commandRoute(cmds []command) restHandler {
	byRoute := make(map[string]command, len(cmds))
	for _, c := range cmds {
		byRoute[c.route] = c
	}
	return func(r *http.Request, p map[string]string) (any, error) {
		c, ok := byRoute[p["command"]]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown command %q", p["command"])
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		return s.svc.SubmitCommand(r.Context(), c.eventType, body)
	}
}

// route registers pattern on the gateway mux. Patterns are static, so a
// registration failure is a programming error.
func (s *Server) route(mux *runtime.ServeMux, method, pattern string, h restHandler) {
	endpoint := method + " " + pattern
	err := mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		_, outbound := runtime.MarshalerForRequest(mux, r)

		resp, err := h(r, params)
		s.observe(endpoint, status.Code(toStatus(err)), time.Since(start))
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
			return
		}
		buf, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf)
	})
	if err != nil {
		panic(fmt.Sprintf("register %s: %v", endpoint, err))
	}
}

func (s *Server) observe(endpoint string, code codes.Code, elapsed time.Duration) {
	if m := s.opts.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) httpError(ctx context.Context, _ *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st := status.Convert(err)
	httpCode := runtime.HTTPStatusFromCode(st.Code())
	if httpCode >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(ctx)).Msg("request failed")
	}
	body := errorBody{Code: st.Code().String(), Message: st.Message()}
	buf, merr := m.Marshal(body)
	if merr != nil {
		http.Error(w, st.Message(), httpCode)
		return
	}
	w.Header().Set("Content-Type", m.ContentType(body))
	w.WriteHeader(httpCode)
	_, _ = w.Write(buf)
}

// recoverer turns handler panics into 500s, except engine halts which are
// re-raised.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler || engineHalted(rec) {
					panic(rec)
				}
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("panic in http handler")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func pageRequest(r *http.Request, lender string) (*PageRequest, error) {
	q := r.URL.Query()
	req := &PageRequest{Lender: lender}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
		req.Limit = n
	}
	var err error
	if req.Before, err = optionalInt(q.Get("before"), "before"); err != nil {
		return nil, err
	}
	if req.After, err = optionalInt(q.Get("after"), "after"); err != nil {
		return nil, err
	}
	return req, nil
}

func optionalInt(v, field string) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return &n, nil
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	perMinute int

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 5 * time.Minute

func newClientLimiter(perMinute int) *clientLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &clientLimiter{
		perMinute: perMinute,
		visitors:  make(map[string]*visitor),
		lastGC:    time.Now(),
	}
}

func (c *clientLimiter) allow(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastGC) > visitorTTL {
		for k, v := range c.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(c.visitors, k)
			}
		}
		c.lastGC = now
	}
	v, ok := c.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMinute)), c.perMinute)}
		c.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allow(clientID(r), time.Now()) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys the limiter. RealIP has already folded proxy headers into
// RemoteAddr.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
