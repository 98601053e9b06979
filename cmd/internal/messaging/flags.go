package messaging

import "strings"

// DeliveryFlags is the per-member, per-message flag set.
// Bit layout is persisted: bit0 = read, bit1 = mentioned.
type DeliveryFlags uint8

const (
	FlagRead      DeliveryFlags = 1 << 0
	FlagMentioned DeliveryFlags = 1 << 1

	flagsMask = FlagRead | FlagMentioned
)

// Union returns the OR of f and o.
func (f DeliveryFlags) Union(o DeliveryFlags) DeliveryFlags { return (f | o) & flagsMask }

// Has reports whether every bit of o is set in f.
func (f DeliveryFlags) Has(o DeliveryFlags) bool { return o != 0 && f&o == o }

// Read reports the read bit.
func (f DeliveryFlags) Read() bool { return f.Has(FlagRead) }

// Mentioned reports the mentioned bit.
func (f DeliveryFlags) Mentioned() bool { return f.Has(FlagMentioned) }

func (f DeliveryFlags) String() string {
	if f&flagsMask == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	if f.Read() {
		parts = append(parts, "read")
	}
	if f.Mentioned() {
		parts = append(parts, "mentioned")
	}
	return strings.Join(parts, "|")
}
