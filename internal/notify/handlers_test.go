package notify

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func postSubscription(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSubscriptionUsesDefaultSecret(t *testing.T) {
	subs := NewMemorySubscriptionStore()
	h := NewHandler(subs).WithDefaultSecret("platform-secret")

	w := postSubscription(t, h, `{"userId":"buyer1","url":"https://8.8.8.8/hooks/bidlane"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	stored, err := subs.GetByUser(context.Background(), "buyer1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(stored))
	}
	if stored[0].Secret != "platform-secret" {
		t.Errorf("secret = %q, want platform default", stored[0].Secret)
	}
}

func TestCreateSubscriptionKeepsCallerSecret(t *testing.T) {
	subs := NewMemorySubscriptionStore()
	h := NewHandler(subs).WithDefaultSecret("platform-secret")

	w := postSubscription(t, h, `{"userId":"buyer1","url":"https://8.8.8.8/hooks/bidlane","secret":"mine"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	stored, _ := subs.GetByUser(context.Background(), "buyer1")
	if len(stored) != 1 || stored[0].Secret != "mine" {
		t.Errorf("caller-supplied secret must win, got %+v", stored)
	}
}

func TestCreateSubscriptionRejectsInternalURL(t *testing.T) {
	subs := NewMemorySubscriptionStore()
	h := NewHandler(subs)

	w := postSubscription(t, h, `{"userId":"buyer1","url":"http://localhost:9000/hook"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	stored, _ := subs.GetByUser(context.Background(), "buyer1")
	if len(stored) != 0 {
		t.Errorf("subscription must not be created, got %d", len(stored))
	}
}
