package api

import (
	"context"
	"encoding/hex"
	"errors"
	"iter"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-scale-monitor/collector"
	"github.com/robertof/go-scale-monitor/collector/model"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/robertof/go-scale-monitor/utils"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMeasureDuration = 10 * time.Second
	DefaultDevicesDuration = 5 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	// MaxDuration caps every on-demand session. fasthttp does not report client disconnects, so a
	// session started by a request always runs until its deadline or until Shutdown.
	MaxDuration = 2 * time.Minute
)

// Scanner runs on-demand sessions.
type Scanner interface {
	Monitor(ctx context.Context, d time.Duration) model.Result
	Devices(ctx context.Context, d time.Duration) iter.Seq2[device.Discovered, error]
	ReadFromConnectedScale(ctx context.Context, addr string, timeout time.Duration) (device.Reading, bool, error)
	LastSession() collector.SessionInfo
}

// LatestSource provides the reading of the recurring collector.
type LatestSource interface {
	WaitLatest(ctx context.Context) (model.Result, time.Time, bool)
}

// API denotes a read-only REST API over the scale.
type API struct {
	scanner Scanner
	latest  LatestSource
	router  *fiber.App

	// parent of every request context, cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New instantiates a new API. latest may be nil, in which case GET /weight is not served.
func New(s Scanner, latest LatestSource, gatherer prometheus.Gatherer) *API {
	ctx, cancel := context.WithCancel(context.Background())

	api := API{
		scanner: s,
		latest:  latest,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          handleError,
		}),
		ctx:    ctx,
		cancel: cancel,
	}

	api.router.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(api.ctx)
		return c.Next()
	})

	// Setup routes
	if latest != nil {
		api.router.Get("/weight", api.handleWeight())
	}

	api.router.Post("/measure", api.handleMeasure())
	api.router.Get("/devices", api.handleDevices())
	api.router.Post("/read/:addr", api.handleRead())
	api.router.Get("/session", api.handleSession())

	if gatherer != nil {
		api.router.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return &api
}

// Listen serves the API on endpoint until Shutdown is called.
func (api *API) Listen(endpoint string) error {
	log.Info().Str("ListenAddress", endpoint).Msg("Starting HTTP server")

	return api.router.Listen(endpoint)
}

// Shutdown cancels the sessions started by in-flight requests and stops the server.
func (api *API) Shutdown(ctx context.Context) error {
	api.cancel()

	return api.router.ShutdownWithContext(ctx)
}

type readingResponse struct {
	WeightKg   float64   `json:"weight_kg"`
	Method     string    `json:"method"`
	Position   int       `json:"position"`
	Raw        string    `json:"raw"`
	CapturedAt time.Time `json:"captured_at"`
}

type deviceResponse struct {
	Addr             string `json:"addr"`
	Name             string `json:"name"`
	RSSI             *int   `json:"rssi,omitempty"`
	Connectable      bool   `json:"connectable"`
	ManufacturerData string `json:"manufacturer_data,omitempty"`
}

type resultResponse struct {
	Reading     readingResponse `json:"reading"`
	Device      *deviceResponse `json:"device,omitempty"`
	Family      string          `json:"family,omitempty"`
	CollectedAt *time.Time      `json:"collected_at,omitempty"`
}

type readResponse struct {
	Decoded bool             `json:"decoded"`
	Reading *readingResponse `json:"reading,omitempty"`
}

type sessionResponse struct {
	Mode          string    `json:"mode"`
	State         string    `json:"state"`
	Resolution    string    `json:"resolution"`
	Deadline      time.Time `json:"deadline"`
	DevicesSeen   int       `json:"devices_seen"`
	ReadingsCount int       `json:"readings_count"`
	ElapsedSec    float64   `json:"elapsed_sec"`
	Error         string    `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toReading(r device.Reading) readingResponse {
	return readingResponse{
		WeightKg:   r.ValueKg,
		Method:     r.Method.String(),
		Position:   r.Position,
		Raw:        hex.EncodeToString(r.Raw),
		CapturedAt: r.CapturedAt,
	}
}

func toDevice(d device.Discovered) *deviceResponse {
	out := &deviceResponse{
		Addr:             d.Addr,
		Name:             d.DisplayName(),
		Connectable:      d.Connectable,
		ManufacturerData: hex.EncodeToString(d.ManufacturerData),
	}

	if d.HasRSSI {
		rssi := d.RSSI
		out.RSSI = &rssi
	}

	return out
}

func toResult(r model.Result) resultResponse {
	out := resultResponse{
		Reading: toReading(r.Reading),
		Family:  r.Family,
	}

	if r.Source.Addr != "" {
		out.Device = toDevice(r.Source)
	}

	return out
}

func durationParam(c *fiber.Ctx, key string, def time.Duration) (time.Duration, error) {
	v := c.Query(key)

	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)

	if err != nil || d <= 0 || d > MaxDuration {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+key+": "+v)
	}

	return d, nil
}

func (api *API) handleWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		res, ts, ok := api.latest.WaitLatest(c.UserContext())

		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no weight collected yet")
		}

		out := toResult(res)
		out.CollectedAt = &ts

		return c.JSON(out)
	}
}

func (api *API) handleMeasure() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		d, err := durationParam(c, "duration", DefaultMeasureDuration)
		if err != nil {
			return err
		}

		res := api.scanner.Monitor(c.UserContext(), d)

		if !res.Ok() {
			return res.Error
		}

		return c.JSON(toResult(res))
	}
}

func (api *API) handleDevices() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		d, err := durationParam(c, "duration", DefaultDevicesDuration)
		if err != nil {
			return err
		}

		out := make([]*deviceResponse, 0)

		for dev, err := range api.scanner.Devices(c.UserContext(), d) {
			if err != nil {
				return err
			}

			out = append(out, toDevice(dev))
		}

		return c.JSON(out)
	}
}

func (api *API) handleRead() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		timeout, err := durationParam(c, "timeout", DefaultReadTimeout)
		if err != nil {
			return err
		}

		addr := c.Params("addr")

		if _, err := device.VendorPrefix(addr); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		reading, ok, err := api.scanner.ReadFromConnectedScale(c.UserContext(), addr, timeout)
		if err != nil {
			return err
		}

		out := readResponse{Decoded: ok}

		if ok {
			r := toReading(reading)
			out.Reading = &r
		}

		return c.JSON(out)
	}
}

func (api *API) handleSession() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		info := api.scanner.LastSession()

		out := sessionResponse{
			Mode:          info.Mode.String(),
			State:         info.State.String(),
			Resolution:    info.Resolution.String(),
			Deadline:      info.Deadline,
			DevicesSeen:   info.DevicesSeen,
			ReadingsCount: info.ReadingsCount,
			ElapsedSec:    info.Elapsed.Seconds(),
		}

		if info.Err != nil {
			out.Error = info.Err.Error()
		}

		return c.JSON(out)
	}
}

func statusFor(err error) int {
	var fe *fiber.Error

	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, collector.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, collector.ErrAdapterUnavailable):
		return fiber.StatusServiceUnavailable
	case utils.ErrorIsAnyOf(err, collector.ErrTimeout, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, collector.ErrConnection):
		return fiber.StatusBadGateway
	case utils.ErrorIsAnyOf(err, collector.ErrCancelled, context.Canceled):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func handleError(c *fiber.Ctx, err error) error {
	status := statusFor(err)

	if status >= fiber.StatusInternalServerError {
		log.Warn().Err(err).Str("Path", c.Path()).Int("Status", status).Msg("api: request failed")
	} else {
		log.Debug().Err(err).Str("Path", c.Path()).Int("Status", status).Msg("api: request failed")
	}

	return c.Status(status).JSON(errorResponse{Error: err.Error()})
}
