package http

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physia/backend/internal/domain"
)

const testSecret = "test-secret"

func signToken(t *testing.T, orgID int64, secret string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reception",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrganizationID: orgID,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestOrganizationAuth(t *testing.T) {
	av := &fakeAvailability{out: domain.Availability{Slots: []domain.Slot{}}}
	e := newTestServer(av, &fakeBooking{}, Options{JWTSecret: testSecret})
	target := "/api/v1/organizations/1/availability?professional_id=" + professionalID.String() + "&service_id=3&date=2026-03-02"

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{name: "missing", header: "", code: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", code: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + signToken(t, 1, "other"), code: http.StatusUnauthorized},
		{name: "other organization", header: "Bearer " + signToken(t, 2, testSecret), code: http.StatusForbidden},
		{name: "same organization", header: "Bearer " + signToken(t, 1, testSecret), code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers[echo.HeaderAuthorization] = tt.header
			}
			rec := do(e, http.MethodGet, target, "", headers)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	rec := do(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestRequestLogger_RecordsTokenSubject(t *testing.T) {
	var buf bytes.Buffer
	av := &fakeAvailability{out: domain.Availability{Slots: []domain.Slot{}}}
	e := newServer(&handler{availability: av, booking: &fakeBooking{}, db: fakePinger{}}, Options{
		Logger:    zerolog.New(&buf),
		JWTSecret: testSecret,
	})

	target := "/api/v1/organizations/1/availability?professional_id=" + professionalID.String() + "&service_id=3&date=2026-03-02"
	rec := do(e, http.MethodGet, target, "", map[string]string{echo.HeaderAuthorization: "Bearer " + signToken(t, 1, testSecret)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), `"subject":"reception"`)

	buf.Reset()
	do(e, http.MethodGet, "/healthz", "", nil)
	assert.NotContains(t, buf.String(), `"subject"`)
}

func TestRateLimit_BookingRoutes(t *testing.T) {
	e := newTestServer(&fakeAvailability{}, &fakeBooking{}, Options{RateLimit: RateLimitConfig{RequestsPerSecond: 1, Burst: 2}})
	body := `{"professional_id":"` + professionalID.String() + `","service_id":3,"client_id":7,"date":"2026-03-02","start_time":"10:30"}`

	for i := 0; i < 2; i++ {
		rec := do(e, http.MethodPost, "/api/v1/organizations/1/appointments", body, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := do(e, http.MethodPost, "/api/v1/organizations/1/appointments", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec = do(e, http.MethodGet, "/api/v1/organizations/1/availability?professional_id="+professionalID.String()+"&service_id=3&date=2026-03-02", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiterStore_SweepsIdleVisitors(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.get("10.0.0.1")
	s.get("10.0.0.2")
	require.Len(t, s.visitors, 2)

	now = now.Add(5 * time.Minute)
	s.get("10.0.0.2")
	assert.Len(t, s.visitors, 1)
	assert.Contains(t, s.visitors, "10.0.0.2")
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	e := newServer(&handler{db: fakePinger{}}, Options{Logger: zerolog.Nop()})
	e.GET("/boom", func(c echo.Context) error { panic("boom") })

	rec := do(e, http.MethodGet, "/boom", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}
