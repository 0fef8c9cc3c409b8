package controller

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Request size and content limits enforced at admission.
const (
	maxCodeURLLength  = 2048
	maxCommandLength  = 1000
	maxPromptLength   = 10000
	checksumHexLength = 64
)

var (
	sessionIDPattern = regexp.MustCompile(`^[0-9a-f-]{36}$`)
	checksumPattern  = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

	// Shell substitution openers. The command is only ever passed to the
	// runner as a plain env value, but a hostile value must still never
	// survive admission in case a downstream boot script expands it.
	substitutionPatterns = []string{"$(", "`", "${", "<(", ">("}
)

// CreateSessionRequest is the createSession request body.
type CreateSessionRequest struct {
	CodeURL      string `json:"codeUrl"`
	CodeChecksum string `json:"codeChecksum,omitempty"`
	Command      string `json:"command,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// validationError carries the short machine-readable reason returned in 400
// responses.
type validationError struct {
	reason string
}

func (e *validationError) Error() string {
	return e.reason
}

func invalid(format string, args ...any) error {
	return &validationError{reason: fmt.Sprintf(format, args...)}
}

// validateCreateSession applies every admission rule to the request body.
// Limits are inclusive: a value exactly at a limit is accepted.
func validateCreateSession(req *CreateSessionRequest, allowedDomains []string) error {
	if req.CodeURL == "" {
		return invalid("codeUrl is required")
	}
	if len(req.CodeURL) > maxCodeURLLength {
		return invalid("codeUrl exceeds %d characters", maxCodeURLLength)
	}

	parsed, err := url.Parse(req.CodeURL)
	if err != nil {
		return invalid("codeUrl is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return invalid("codeUrl scheme must be http or https")
	}

	host := parsed.Hostname()
	if host == "" {
		return invalid("codeUrl has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenAddress(ip) {
			return invalid("codeUrl must not point at a private address")
		}
		return invalid("codeUrl host must be a domain name")
	}
	if !domainAllowed(host, allowedDomains) {
		return invalid("codeUrl host %s is not in the allowlist", host)
	}

	if req.CodeChecksum != "" && !checksumPattern.MatchString(req.CodeChecksum) {
		return invalid("codeChecksum must be 64 hex characters")
	}

	if len(req.Command) > maxCommandLength {
		return invalid("command exceeds %d characters", maxCommandLength)
	}
	for _, pattern := range substitutionPatterns {
		if strings.Contains(req.Command, pattern) {
			return invalid("command must not contain %q", pattern)
		}
	}

	if len(req.Prompt) > maxPromptLength {
		return invalid("prompt exceeds %d characters", maxPromptLength)
	}

	return nil
}

// isForbiddenAddress reports whether the IP is private, loopback,
// link-local, or unspecified. Blocks the obvious SSRF targets such as
// cloud metadata endpoints.
func isForbiddenAddress(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// domainAllowed matches the host against the allowlist. An entry starting
// with "*." matches any subdomain of the remainder; other entries match
// exactly. Matching is case-insensitive.
func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if strings.HasPrefix(entry, "*.") {
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// validSessionID checks the fixed 36-character id shape used in URLs.
func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
