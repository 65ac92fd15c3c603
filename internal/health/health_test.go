package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("push", func(_ context.Context) Status {
		return Status{Name: "push", Healthy: true}
	})
	r.Register("history", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	require.Len(t, statuses, 2)
	assert.Equal(t, "connection refused", statuses[1].Detail)
	assert.Equal(t, "history", statuses[1].Name, "registered name fills an empty status name")
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestFlag(t *testing.T) {
	up := false
	check := Flag("push", func() bool { return up }, func() string { return "disconnected" })

	s := check(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "disconnected", s.Detail)

	up = true
	s = check(context.Background())
	assert.True(t, s.Healthy)
	assert.Empty(t, s.Detail)
}

func TestFreshness(t *testing.T) {
	var last time.Time
	check := Freshness("alerts", func() time.Time { return last }, time.Minute)

	s := check(context.Background())
	assert.False(t, s.Healthy)
	assert.Contains(t, s.Detail, "no successful run")

	last = time.Now().Add(-5 * time.Minute)
	s = check(context.Background())
	assert.False(t, s.Healthy)
	assert.Contains(t, s.Detail, "ago")

	last = time.Now()
	assert.True(t, check(context.Background()).Healthy)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewRegistry()
	ok := true
	r.Register("push", Flag("push", func() bool { return ok }, nil))

	router := gin.New()
	router.GET("/health", Handler(r))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)

	ok = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unhealthy"`)
}
