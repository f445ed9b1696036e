package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/classify"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/db"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/zone"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Checker runs an on-demand check of a few domains
type Checker interface {
	Run(ctx context.Context, names []string) (poller.Summary, error)
}

// API is the main struct for the API. can be used for both Admin and Query APIs
type API struct {
	*echo.Echo
	DB      db.ExpiryDB
	Checker Checker
	C       Config

	// holds a token while a check runs, checks share the store's single writer
	checking chan struct{}
}

// Config struct is corresponding to the YAML payload in api section of the config file
type Config struct {
	// BasePath is the basepath for the API
	BasePath string
	// BasePathAdmin is the basepath for the Admin API
	BasePathAdmin string
	// ListenAddr is the address to listen on
	ListenAddr string
	// IsTLS is a flag to enable TLS
	IsTLS bool
	// TLSCert is the path to the TLS certificate
	TLSCert string
	// TLSKey is the path to the TLS key
	TLSKey string
	// AuthMethodAPI is the authentication method to use. Can be "none" or "basic"
	AuthMethodAPI string
	// AuthUsersAPI is a map of username:password for basic auth
	AuthUsersAPI map[string]string
	// AuthMethodAdmin is the authentication method to use. Can be "none" or "basic"
	AuthMethodAdmin string
	// AuthUsersAdmin is a map of username:password for basic auth
	AuthUsersAdmin map[string]string
	// Logger is the logger to use
	Logger *zerolog.Logger
	// RPS is the rate limit for the API
	RPS float64
	// NearExpiryDays is the threshold used to classify query results
	NearExpiryDays int
	// Horizon is the default look-ahead of the due listing
	Horizon time.Duration
	// Gatherer backs /metrics, which is not served when nil
	Gatherer prometheus.Gatherer
}

// Entry is a stored record along with its lifecycle state as of the request
type Entry struct {
	db.Record
	Class classify.Class `json:"class"`
}

// NewAPI creates a new API instance. It won't start till ListenAndServe is called.
// checker may be nil, in which case the admin check path is not served.
func NewAPI(config Config, store db.ExpiryDB, checker Checker) *API {
	if config.Logger == nil {
		nop := zerolog.Nop()
		config.Logger = &nop
	}
	e := echo.New()
	e.HideBanner = true
	api := &API{
		Echo:    e,
		DB:      store,
		Checker:  checker,
		C:        config,
		checking: make(chan struct{}, 1),
	}
	api.addMiddlewares()
	api.AddQueryPaths()
	api.AddAdminPaths()
	if config.Gatherer != nil {
		api.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})))
	}
	return api
}

// ListenAndServe starts the API server based on the config. It returns http.ErrServerClosed
// after Shutdown.
func (api *API) ListenAndServe() error {
	if api.C.IsTLS {
		return api.StartTLS(api.C.ListenAddr, api.C.TLSCert, api.C.TLSKey)
	}
	return api.Start(api.C.ListenAddr)
}

func (api *API) addMiddlewares() {
	// the middlewares seems to be in order. so we'll log first, then rate limit, then auth
	api.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			api.C.Logger.Info().
				Str("URI", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	// per client IP
	api.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(api.C.RPS))))

	if api.C.AuthMethodAPI != "none" || api.C.AuthMethodAdmin != "none" {
		api.Use(middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
			Skipper: func(c echo.Context) bool {
				method, _ := api.authFor(c.Path())
				return method == "none"
			},
			Validator: func(username, password string, c echo.Context) (bool, error) {
				_, users := api.authFor(c.Path())
				for user, pass := range users {
					if subtle.ConstantTimeCompare([]byte(username), []byte(user)) == 1 &&
						subtle.ConstantTimeCompare([]byte(password), []byte(pass)) == 1 {
						return true, nil
					}
				}
				return false, nil
			},
		}))
	}
}

// authFor picks the admin scheme under the admin base path and the API scheme everywhere else
func (api *API) authFor(path string) (string, map[string]string) {
	if strings.HasPrefix(path, api.C.BasePathAdmin) {
		return api.C.AuthMethodAdmin, api.C.AuthUsersAdmin
	}
	return api.C.AuthMethodAPI, api.C.AuthUsersAPI
}

// AddQueryPaths adds the read-only URLs to the Echo instance
func (api *API) AddQueryPaths() {
	// query path is meant to be used by a real user through a browser
	// so it doesn't require a JSON payload
	api.GET(api.C.BasePath+"query/:domain", api.query)
	// $ curl -XGET http://127.0.0.1:3000/api/v1/query_many -H 'Content-Type: application/json' -d '["domain1.com","domain2.com"]'
	api.GET(api.C.BasePath+"query_many", api.queryMany)
	// due lists what the next maintenance run would look at, ?horizon=72h overrides the default
	api.GET(api.C.BasePath+"due", api.due)
}

// AddAdminPaths adds the admin URLs to the Echo instance
func (api *API) AddAdminPaths() {
	api.POST(api.C.BasePathAdmin+"/add_domain", api.addDomain)
	api.POST(api.C.BasePathAdmin+"/add_domains", api.addDomains)
	api.DELETE(api.C.BasePathAdmin+"/delete_domain/:domain", api.deleteDomain)
	api.DELETE(api.C.BasePathAdmin+"/delete_domains", api.deleteDomains)
	if api.Checker != nil {
		// check looks the given domains up right away, ignoring freshness
		api.POST(api.C.BasePathAdmin+"/check", api.check)
	}
}

func errJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (api *API) entry(rec db.Record, now time.Time) Entry {
	return Entry{Record: rec, Class: classify.Classify(rec.ExpiryDate, now, api.C.NearExpiryDays)}
}

func (api *API) query(c echo.Context) error {
	domain := zone.Normalize(c.Param("domain"))
	rec, ok, err := api.DB.Get(c.Request().Context(), domain)
	if err != nil {
		api.C.Logger.Error().Err(err).Str("domain", domain).Msg("query failed")
		return errJSON(c, http.StatusInternalServerError, "internal server error")
	}
	if !ok {
		return errJSON(c, http.StatusNotFound, "domain not found")
	}
	return c.JSON(http.StatusOK, api.entry(rec, time.Now()))
}

func (api *API) queryMany(c echo.Context) error {
	var domains []string
	if err := c.Bind(&domains); err != nil {
		return errJSON(c, http.StatusBadRequest, "bad request")
	}
	for i := range domains {
		domains[i] = zone.Normalize(domains[i])
	}
	recs, err := api.DB.QueryMany(c.Request().Context(), domains)
	if err != nil {
		api.C.Logger.Error().Err(err).Int("domains", len(domains)).Msg("query_many failed")
		return errJSON(c, http.StatusInternalServerError, "internal server error")
	}
	now := time.Now()
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, api.entry(rec, now))
	}
	return c.JSON(http.StatusOK, entries)
}

func (api *API) due(c echo.Context) error {
	horizon := api.C.Horizon
	if h := c.QueryParam("horizon"); h != "" {
		d, err := time.ParseDuration(h)
		if err != nil || d < 0 {
			return errJSON(c, http.StatusBadRequest, "bad horizon")
		}
		horizon = d
	}
	due, err := api.DB.DueForCheck(c.Request().Context(), time.Now(), horizon)
	if err != nil {
		api.C.Logger.Error().Err(err).Msg("due listing failed")
		return errJSON(c, http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, due)
}

// prepare normalizes a record posted by an operator. A missing check time means now.
func prepare(rec db.Record, now time.Time) db.Record {
	rec.Name = zone.Normalize(rec.Name)
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = now
	}
	rec.IsExpired = classify.IsExpired(rec.ExpiryDate, rec.CheckedAt)
	return rec
}

// addDomain stores a single record
// $ curl -XPOST http://127.0.0.1:3000/admin/v1/add_domain -H 'Content-Type: application/json' -d '{"domain":"domain.com","expiry_date":"2030-01-01T12:00:00Z"}'
func (api *API) addDomain(c echo.Context) error {
	var rec db.Record
	if err := c.Bind(&rec); err != nil {
		return errJSON(c, http.StatusBadRequest, "bad request")
	}
	if err := api.DB.Upsert(c.Request().Context(), prepare(rec, time.Now())); err != nil {
		if errors.Is(err, db.ErrInvalidRecord) {
			return errJSON(c, http.StatusBadRequest, err.Error())
		}
		api.C.Logger.Error().Err(err).Str("domain", rec.Name).Msg("insert failed")
		return errJSON(c, http.StatusConflict, "insert failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// addDomains stores a JSON array of records in one transaction
func (api *API) addDomains(c echo.Context) error {
	var recs []db.Record
	if err := c.Bind(&recs); err != nil {
		return errJSON(c, http.StatusBadRequest, "bad request")
	}
	now := time.Now()
	for i := range recs {
		recs[i] = prepare(recs[i], now)
	}
	if err := api.DB.UpsertMany(c.Request().Context(), recs); err != nil {
		if errors.Is(err, db.ErrInvalidRecord) {
			return errJSON(c, http.StatusBadRequest, err.Error())
		}
		api.C.Logger.Error().Err(err).Int("domains", len(recs)).Msg("insert failed")
		return errJSON(c, http.StatusConflict, "insert failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) deleteDomain(c echo.Context) error {
	domain := zone.Normalize(c.Param("domain"))
	err := api.DB.Delete(c.Request().Context(), domain)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return errJSON(c, http.StatusNotFound, "domain not found")
	case err != nil:
		api.C.Logger.Error().Err(err).Str("domain", domain).Msg("delete failed")
		return errJSON(c, http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) deleteDomains(c echo.Context) error {
	var domains []string
	if err := c.Bind(&domains); err != nil {
		return errJSON(c, http.StatusBadRequest, "bad request")
	}
	for i := range domains {
		domains[i] = zone.Normalize(domains[i])
	}
	if err := api.DB.DeleteMany(c.Request().Context(), domains); err != nil {
		api.C.Logger.Error().Err(err).Int("domains", len(domains)).Msg("delete failed")
		return errJSON(c, http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// check returns the run summary; a store error still yields the partial summary with a 502.
// Only one check runs at a time, others get a 409.
func (api *API) check(c echo.Context) error {
	var domains []string
	if err := c.Bind(&domains); err != nil || len(domains) == 0 {
		return errJSON(c, http.StatusBadRequest, "bad request")
	}
	select {
	case api.checking <- struct{}{}:
		defer func() { <-api.checking }()
	default:
		return errJSON(c, http.StatusConflict, "a check is already running")
	}
	for i := range domains {
		domains[i] = zone.Normalize(domains[i])
	}
	sum, err := api.Checker.Run(c.Request().Context(), domains)
	if err != nil {
		api.C.Logger.Error().Err(err).Str("run_id", sum.RunID).Msg("check failed")
		return c.JSON(http.StatusBadGateway, sum)
	}
	return c.JSON(http.StatusOK, sum)
}
