// Package validation provides input validation for the scoring API.
package validation

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/stellarcredit/internal/strkey"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// Custom struct tags.
const (
	TagStellarAddress = "stellar_address"
	TagStellarNetwork = "stellar_network"
)

var (
	standalone     *validator.Validate
	standaloneOnce sync.Once
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidStellarAddress accepts G... account ids and C... contract ids.
func IsValidStellarAddress(addr string) bool {
	return strkey.IsValidAddress(addr)
}

// IsValidNetwork accepts testnet, mainnet and its alias public.
func IsValidNetwork(network string) bool {
	switch strings.ToLower(network) {
	case "testnet", "mainnet", "public":
		return true
	}
	return false
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeAddress normalizes a Stellar address. Strkeys are upper-case
// base32, so lower-case input is folded rather than rejected.
func SanitizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// RegisterTags installs the custom tags on v. Addresses are checked after
// SanitizeAddress, so handlers must sanitize before use.
func RegisterTags(v *validator.Validate) error {
	if err := v.RegisterValidation(TagStellarAddress, func(fl validator.FieldLevel) bool {
		return IsValidStellarAddress(SanitizeAddress(fl.Field().String()))
	}); err != nil {
		return err
	}
	return v.RegisterValidation(TagStellarNetwork, func(fl validator.FieldLevel) bool {
		return IsValidNetwork(fl.Field().String())
	})
}

// RegisterGinTags installs the custom tags on gin's binding validator so
// `binding:"stellar_address"` works in ShouldBindJSON.
func RegisterGinTags() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("validation: gin binding engine is not validator/v10")
	}
	return RegisterTags(v)
}

// Struct validates s using its `binding` tags outside of gin.
func Struct(s any) error {
	standaloneOnce.Do(func() {
		standalone = validator.New(validator.WithRequiredStructEnabled())
		standalone.SetTagName("binding")
		_ = RegisterTags(standalone)
	})
	if err := standalone.Struct(s); err != nil {
		return FromError(err)
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Has reports whether any error was raised by tag.
func (e ValidationErrors) Has(tag string) bool {
	for _, v := range e {
		if v.Tag == tag {
			return true
		}
	}
	return false
}

// FromError converts validator errors (as returned by gin binding) into
// ValidationErrors. Other errors, such as malformed JSON, become a single
// "body" entry.
func FromError(err error) ValidationErrors {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "body", Tag: "json", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(ve))
	for _, fe := range ve {
		out = append(out, ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case TagStellarAddress:
		return "must be a valid Stellar address (G... or C..., 56 characters)"
	case TagStellarNetwork:
		return "must be testnet or mainnet"
	case "gt", "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
// Apply to route groups that include :address params to reject malformed addresses early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidStellarAddress(SanitizeAddress(addr)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "address must be a valid Stellar address (G... or C..., 56 characters)",
				"code":  "INVALID_ADDRESS",
			})
			return
		}
		c.Next()
	}
}
