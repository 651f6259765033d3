package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	accountAddr  = "GAAACAQDAQCQMBYIBEFAWDANBYHRAEISCMKBKFQXDAMRUGY4DUPB7JZX"
	contractAddr = "CAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSC4"
	seedAddr     = "SAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABSU2"
)

func TestIsValidStellarAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{accountAddr, true},
		{contractAddr, true},
		{seedAddr, false},               // secret seeds are not addresses
		{accountAddr[:55], false},       // too short
		{accountAddr[:55] + "A", false}, // bad checksum
		{"0x1234567890123456789012345678901234567890", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidStellarAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidStellarAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidNetwork(t *testing.T) {
	for _, n := range []string{"testnet", "TESTNET", "mainnet", "public"} {
		assert.True(t, IsValidNetwork(n), n)
	}
	for _, n := range []string{"", "futurenet", "main"} {
		assert.False(t, IsValidNetwork(n), n)
	}
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, accountAddr, SanitizeAddress("  "+accountAddr+"\n"))
	lower := "gaaacaqdaqcqmbyibefawdanbyhraeiscmkbkfqxdamrugy4dupb7jzx"
	assert.Equal(t, accountAddr, SanitizeAddress(lower))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

type analyzeRequest struct {
	Address string  `binding:"required,stellar_address"`
	Network string  `binding:"omitempty,stellar_network"`
	Amount  float64 `binding:"gt=0"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(analyzeRequest{Address: accountAddr, Network: "testnet", Amount: 1}))

	err := Struct(analyzeRequest{Address: "GBAD", Network: "futurenet", Amount: 0})
	require.Error(t, err)

	var ve ValidationErrors
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve, 3)
	assert.True(t, ve.Has(TagStellarAddress))
	assert.True(t, ve.Has(TagStellarNetwork))
	assert.Equal(t, "address", ve[0].Field)
	assert.Contains(t, ve.Error(), "Stellar address")
}

func TestFromError_NonValidatorError(t *testing.T) {
	ve := FromError(errors.New("unexpected EOF"))
	require.Len(t, ve, 1)
	assert.Equal(t, "body", ve[0].Field)
}

func TestRegisterGinTags(t *testing.T) {
	require.NoError(t, RegisterGinTags())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		var req struct {
			Address string `json:"address" binding:"required,stellar_address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", jsonBody(`{"address":"`+accountAddr+`"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", jsonBody(`{"address":"GBAD"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/score/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/score/"+accountAddr, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/score/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"INVALID_ADDRESS"`)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var v map[string]any
		if err := c.ShouldBindJSON(&v); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", jsonBody(`{"address":"far too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
