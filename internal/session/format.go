package session

import (
	"fmt"
	"strings"

	"github.com/kstaniek/canline-gateway/internal/frame"
)

// formatFrameText renders a frame for the human-readable text sink, e.g.
// "7E8 [2] 41 0D".
func formatFrameText(f frame.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03X [%d]", f.ID, f.Len)
	for _, by := range f.Data() {
		fmt.Fprintf(&b, " %02X", by)
	}
	return b.String()
}
