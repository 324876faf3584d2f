// ABOUTME: Minimal LiveKit RoomService client (Twirp over JSON) for server-side room control.
// ABOUTME: Requests carry a short-lived HS256 server token signed with the API secret.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/golang-jwt/jwt/v5"
)

// serverTokenTTL bounds RoomService tokens.
const serverTokenTTL = 10 * time.Minute

// RoomServiceConfig locates and authenticates the RoomService.
type RoomServiceConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

// Enabled reports whether all three settings are present.
func (c RoomServiceConfig) Enabled() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// RoomService calls LiveKit's Twirp RoomService.
type RoomService struct {
	cfg    RoomServiceConfig
	client *http.Client
	log    *slog.Logger
}

// NewRoomService creates a RoomService. client should be the SSRF-safe client
// from NewSafeClient in production.
func NewRoomService(cfg RoomServiceConfig, client *http.Client, logger *slog.Logger) *RoomService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomService{cfg: cfg, client: client, log: logger}
}

// NewSafeClient returns an SSRF-safe client with redirects disabled and a 10s
// timeout.
func NewSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// VideoGrant is the LiveKit "video" claim.
type VideoGrant struct {
	Room       string `json:"room,omitempty"`
	RoomAdmin  bool   `json:"roomAdmin,omitempty"`
	RoomCreate bool   `json:"roomCreate,omitempty"`
	RoomList   bool   `json:"roomList,omitempty"`
}

// ServerClaims are the claims of a server access token.
type ServerClaims struct {
	jwt.RegisteredClaims
	Video VideoGrant `json:"video"`
	Kind  string     `json:"kind"`
	Name  string     `json:"name"`
}

// ServerToken signs a token for grant.
func (s *RoomService) ServerToken(grant VideoGrant) (string, error) {
	now := time.Now()
	claims := ServerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.APIKey,
			Subject:   s.cfg.APIKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(serverTokenTTL)),
		},
		Video: grant,
		Kind:  "server",
		Name:  "Aveli Server",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.APISecret))
	if err != nil {
		return "", fmt.Errorf("sign server token: %w", err)
	}
	return signed, nil
}

// EndRoom asks LiveKit to close room. It is a no-op when the RoomService is
// not configured.
func (s *RoomService) EndRoom(ctx context.Context, room, reason string) error {
	if !s.cfg.Enabled() {
		s.log.Info("room service not configured, skipping EndRoom", "room", room)
		return nil
	}
	body := map[string]string{"room": room}
	if reason != "" {
		body["reason"] = reason
	}
	return s.call(ctx, "EndRoom", VideoGrant{Room: room, RoomAdmin: true}, body)
}

func (s *RoomService) call(ctx context.Context, method string, grant VideoGrant, body any) error {
	token, err := s.ServerToken(grant)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	url := strings.TrimRight(s.cfg.URL, "/") + "/twirp/livekit.RoomService/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // URL is operator configuration; client is safeurl-wrapped in production
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
