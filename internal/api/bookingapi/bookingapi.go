// Package bookingapi exposes the booking services over HTTP+JSON.
//
// The caller identifies itself with the X-Actor-ID header; authentication
// happens in front of this service.
package bookingapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/packages"
	"github.com/BearBump/BusBox/internal/services/seats"
	"github.com/BearBump/BusBox/internal/services/tickets"
	"github.com/BearBump/BusBox/internal/services/trips"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderRequestID = "X-Request-ID"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type API struct {
	trips    *trips.Service
	tickets  *tickets.Service
	packages *packages.Service
	seats    *seats.Allocator

	rl         RateLimiter
	actorLimit int64
	now        func() time.Time
	log        *zap.Logger
}

func New(tr *trips.Service, tk *tickets.Service, pk *packages.Service, st *seats.Allocator) *API {
	return &API{
		trips:    tr,
		tickets:  tk,
		packages: pk,
		seats:    st,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
}

// WithRateLimit throttles mutating requests per actor and minute. A nil
// limiter or a non-positive limit disables it.
func (a *API) WithRateLimit(rl RateLimiter, perMinute int64) *API {
	a.rl = rl
	a.actorLimit = perMinute
	return a
}

func (a *API) WithClock(now func() time.Time) *API {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *API) WithLogger(l *zap.Logger) *API {
	if l != nil {
		a.log = l
	}
	return a
}

// Routes builds the router. Extra routes (docs, ops) can be mounted by the
// caller on the returned router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestID, a.accessLog, middleware.Recoverer, a.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/trips", func(r chi.Router) {
		r.Post("/", a.createTrip)
		r.Get("/", a.searchTrips)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getTrip)
			r.Patch("/", a.updateTrip)
			r.Delete("/", a.deleteTrip)
			r.Post("/board", a.tripTransition(a.trips.Board))
			r.Post("/delay", a.tripTransition(a.trips.Delay))
			r.Post("/dispatch", a.tripTransition(a.trips.Dispatch))
			r.Post("/finish", a.tripTransition(a.trips.Finish))
			r.Post("/cancel", a.tripTransition(a.trips.Cancel))
			r.Get("/history", a.history(a.trips.History))
			r.Get("/seats/available", a.availableSeats)
			r.Get("/occupancy", a.occupancy)
		})
	})

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", a.createTicket)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getTicket)
			r.Patch("/", a.updateTicket)
			r.Post("/cancel", a.cancelTicket)
			r.Post("/seat", a.changeSeat)
			r.Get("/history", a.history(a.tickets.History))
		})
	})

	r.Patch("/seats/{id}", a.updateSeat)

	r.Route("/packages", func(r chi.Router) {
		r.Post("/", a.registerPackage)
		r.Get("/tracking/{trackingNumber}", a.getPackageByTrackingNumber)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getPackage)
			r.Post("/assign", a.assignPackage)
			r.Post("/unassign", a.unassignPackage)
			r.Post("/status", a.updatePackageStatus)
			r.Post("/deliver", a.deliverPackage)
			r.Get("/history", a.history(a.packages.History))
		})
	})

	return r
}

type ctxKey int

const requestIDKey ctxKey = iota

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("http request",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("actor", r.Header.Get(HeaderActorID)))
	})
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(HeaderActorID)
		if a.rl == nil || a.actorLimit <= 0 || r.Method == http.MethodGet || actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("rl:actor:%s:%s", actor, a.now().Format("200601021504"))
		allowed, n, err := a.rl.Allow(r.Context(), key, a.actorLimit, 70*time.Second)
		if err != nil {
			a.log.Warn("rate limiter unavailable", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			a.log.Warn("actor rate limit exceeded", zap.String("actor", actor), zap.Int64("count", n))
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Allowed []string `json:"allowed,omitempty"`
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func errorStatus(err error) (int, errorBody) {
	var (
		nf  domain.NotFoundError
		val domain.ValidationError
		cf  domain.ConflictError
		it  domain.InvalidTransitionError
		fb  domain.ForbiddenError
	)
	switch {
	case errors.As(err, &val):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"}
	case errors.As(err, &fb):
		return http.StatusForbidden, errorBody{Error: err.Error(), Code: "forbidden"}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"}
	case errors.As(err, &cf):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict"}
	case errors.As(err, &it):
		allowed := it.Allowed
		if allowed == nil {
			allowed = []string{}
		}
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "invalid_transition", Allowed: allowed}
	}
	return http.StatusInternalServerError, errorBody{Error: err.Error(), Code: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ValidationError{Field: "body", Msg: "malformed JSON: " + err.Error(), Err: err}
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError{Field: "id", Msg: "must be a positive integer"}
	}
	return id, nil
}

// optionalActor returns nil when the header is absent.
func optionalActor(r *http.Request) (*int64, error) {
	raw := r.Header.Get(HeaderActorID)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, domain.ValidationError{Field: HeaderActorID, Msg: "must be a positive integer"}
	}
	return &id, nil
}

func requireActor(r *http.Request) (int64, error) {
	actor, err := optionalActor(r)
	if err != nil {
		return 0, err
	}
	if actor == nil {
		return 0, domain.ValidationError{Field: HeaderActorID, Msg: "header is required"}
	}
	return *actor, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ValidationError{Field: name, Msg: "must be an integer"}
	}
	return n, nil
}

func (a *API) history(list func(ctx context.Context, id int64, limit, offset int) ([]*models.HistoryEntry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out, err := list(r.Context(), id, limit, offset)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
