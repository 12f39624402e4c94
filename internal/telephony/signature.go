package telephony

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"

	"voice-platform/pkg/logger"
)

const headerTwilioSignature = "X-Twilio-Signature"

// SignatureVerifier checks X-Twilio-Signature against the URL Twilio was configured to call.
// Behind a proxy the request URL differs from the public one, so PublicBaseURL is used to
// rebuild it.
type SignatureVerifier struct {
	validator     client.RequestValidator
	publicBaseURL string
}

func NewSignatureVerifier(authToken, publicBaseURL string) *SignatureVerifier {
	return &SignatureVerifier{
		validator:     client.NewRequestValidator(authToken),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (v *SignatureVerifier) publicURL(r *http.Request) string {
	if v.publicBaseURL == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		return scheme + "://" + r.Host + r.URL.RequestURI()
	}
	return v.publicBaseURL + r.URL.RequestURI()
}

// Verify reports whether body was signed by Twilio for this request.
func (v *SignatureVerifier) Verify(r *http.Request, body []byte) bool {
	sig := r.Header.Get(headerTwilioSignature)
	if sig == "" {
		return false
	}
	u := v.publicURL(r)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		return v.validator.ValidateBody(u, body, sig)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return v.validator.Validate(u, params, sig)
}

// Middleware rejects unsigned callbacks with 403. The body is restored for the handler.
func (v *SignatureVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !v.Verify(c.Request, body) {
			logger.FromGin(c).Warn("twilio signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
