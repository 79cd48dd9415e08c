package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-sync/internal/models"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/offers", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.URL.Query().Get("status") != "open" {
			http.Error(w, "bad status", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []models.Offer{
			{Ride: models.Ride{ID: "R1", VehicleCategory: "Cab"}, DistanceMeters: 420},
		}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []models.Conversation{
			{ID: "c1", RequesterUnread: 2, FulfillerUnread: 1},
		}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/rides/active", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	}).Methods(http.MethodGet)
	r.HandleFunc("/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "" {
			http.Error(w, "access token must not be sent", http.StatusBadRequest)
			return
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.RefreshToken != "rt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "new", "refresh_token": "rt2"})
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchOpenOffers(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, staticToken("tok"), time.Second)

	offers, err := c.FetchOpenOffers(context.Background(), "open")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(offers) != 1 || offers[0].RideID() != "R1" || offers[0].DistanceMeters != 420 {
		t.Fatalf("unexpected offers: %+v", offers)
	}

	c.SetTokenSource(staticToken("wrong"))
	if _, err := c.FetchOpenOffers(context.Background(), "open"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListConversationsAndStatusErrors(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL+"/", staticToken("tok"), time.Second)

	convs, err := c.ListConversations(context.Background())
	if err != nil || len(convs) != 1 || convs[0].UnreadFor(models.RoleRequester) != 2 {
		t.Fatalf("unexpected conversations %+v err=%v", convs, err)
	}

	_, err = c.FetchActiveRides(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, staticToken("tok"), time.Second)

	access, refresh, err := c.RefreshToken(context.Background(), "rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if access != "new" || refresh != "rt2" {
		t.Fatalf("got %q %q", access, refresh)
	}
	if _, _, err := c.RefreshToken(context.Background(), "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
