// Package fixtures provisions test data the suites would otherwise expect
// to exist already.
package fixtures

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-password/password"

	"github.com/scholarai/scholarai/e2e/framework/httpprobe"
)

// DefaultRegisterPath is the registration endpoint of the application.
const DefaultRegisterPath = "/api/auth/register"

// User is a provisioned account.
type User struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Vars returns the step variables describing u under prefix.
func (u User) Vars(prefix string) map[string]string {
	if prefix == "" {
		prefix = "fixture"
	}
	return map[string]string{
		prefix + "_email":    u.Email,
		prefix + "_password": u.Password,
		prefix + "_name":     u.Name,
	}
}

// NewUser generates a unique user. The email embeds a random suffix so
// parallel scenarios never collide.
func NewUser(runID, domain, name string) (User, error) {
	if domain == "" {
		domain = "example.com"
	}
	if name == "" {
		name = "E2E Test User"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	local := "e2e-" + suffix
	if runID = sanitize(runID); runID != "" {
		local = fmt.Sprintf("e2e-%s-%s", runID, suffix)
	}
	// 16 characters, 4 digits, 2 symbols, mixed case, no repeats.
	secret, err := password.Generate(16, 4, 2, false, false)
	if err != nil {
		return User{}, errors.Wrap(err, "generate password")
	}
	return User{Email: local + "@" + domain, Password: secret, Name: name}, nil
}

// Register creates u through the application's registration API. A
// conflict means the account already exists, which is accepted.
func Register(ctx context.Context, probe *httpprobe.Client, path string, u User) (*httpprobe.Response, error) {
	if probe == nil {
		return nil, errors.New("fixtures: no HTTP probe configured")
	}
	if path == "" {
		path = DefaultRegisterPath
	}
	resp, err := probe.Request(ctx, http.MethodPost, path, u)
	if err != nil {
		return nil, err
	}
	if !resp.OK && resp.Status != http.StatusConflict {
		return resp, errors.Errorf("fixtures: register %s returned status %d: %s", u.Email, resp.Status, strings.TrimSpace(string(resp.Body)))
	}
	return resp, nil
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
