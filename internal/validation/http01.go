package validation

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/blockadesystems/acmeforge/internal/model"
)

// maxHTTPResponseBytes caps the challenge response body read; key
// authorizations are well under this.
const maxHTTPResponseBytes = 4096

// http01Validator fetches the well-known challenge path over plain
// HTTP and compares the body against the key authorization.
type http01Validator struct {
	client *http.Client
	port   int
}

var _ Validator = (*http01Validator)(nil)

func (v *http01Validator) Type() model.ChallengeType {
	return model.ChallengeTypeHTTP01
}

// challengeURL builds the well-known URL for the identifier, bracketing
// IPv6 literals. Port 80 stays implicit so the Host header carries the
// bare identifier.
func challengeURL(host string, port int, token string) string {
	if port != 80 {
		// JoinHostPort brackets IPv6 literals.
		host = net.JoinHostPort(host, strconv.Itoa(port))
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", host, token)
}

func (v *http01Validator) Validate(ctx context.Context, req *Request) Result {
	url := challengeURL(req.Authorization.Identifier.Value, v.port, req.Challenge.Token)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return invalid(model.MalformedProblem("Could not construct challenge URL for %s.", req.Authorization.Identifier.Value))
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return invalid(model.ConnectionProblem("Fetching %s: %s", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return invalid(model.IncorrectResponseProblem(
			"Fetching %s: expected status 200, got %d.", url, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return invalid(model.ConnectionProblem("Reading response from %s: %s", url, err))
	}
	found := strings.TrimSpace(string(body))
	if subtle.ConstantTimeCompare([]byte(found), []byte(req.KeyAuthorization)) != 1 {
		return invalid(model.IncorrectResponseProblem(
			"The key authorization at %s did not match.", url))
	}
	return valid()
}
