package nodebox

import (
	"fmt"
	"unsafe"
)

// formatNode applies verb to the contents of a live container. fmt prints %p itself without
// consulting Formatter, so node addresses are exposed through Addr instead.
func formatNode(f fmt.State, verb rune, kind string, address unsafe.Pointer, contents func() any) {
	if address == nil {
		fmt.Fprintf(f, "%s(dropped)", kind)
		return
	}

	fmt.Fprintf(f, fmt.FormatString(f, verb), contents())
}
