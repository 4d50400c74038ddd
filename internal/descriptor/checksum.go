package descriptor

import (
	"fmt"
	"strings"

	"github.com/rawblock/descriptor-discovery/pkg/models"
)

// Descriptor checksum per the scheme Bitcoin Core ships (BIP 380). The
// checksum covers the expression without the '#'.

const checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
	"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
	"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

func polymod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// Checksum computes the 8-character checksum of a descriptor expression
// (without a trailing #checksum part).
func Checksum(expr string) (string, error) {
	c := uint64(1)
	cls := 0
	clsCount := 0
	for _, ch := range expr {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid descriptor character %q", models.ErrInvalidArgument, ch)
		}
		c = polymod(c, pos&31)
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < 8; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = checksumCharset[(c>>(5*(7-uint(i))))&31]
	}
	return string(out), nil
}
