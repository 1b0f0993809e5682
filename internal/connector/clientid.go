package connector

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coinalpha/hbot/internal/domain"
)

// clientOrderIDPrefix tags every order this bot places so our own fills are
// recognizable on shared accounts.
const clientOrderIDPrefix = "HBOT"

// NewClientOrderID builds a venue-safe client order id:
// HBOT-<B|S>-<unix ms, base36>-<uuid nonce>. The result stays under 32
// characters, the tightest cap among supported venues.
func NewClientOrderID(side domain.TradeType, at time.Time) string {
	tag := "B"
	if side == domain.TradeTypeSell {
		tag = "S"
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	var b strings.Builder
	b.Grow(32)
	b.WriteString(clientOrderIDPrefix)
	b.WriteByte('-')
	b.WriteString(tag)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(at.UnixMilli(), 36))
	b.WriteByte('-')
	b.WriteString(nonce)
	return b.String()
}

// IsOurOrderID reports whether a client order id was generated by this bot.
func IsOurOrderID(id string) bool {
	return strings.HasPrefix(id, clientOrderIDPrefix+"-")
}
