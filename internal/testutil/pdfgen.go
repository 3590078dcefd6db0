// Package testutil builds small PDF fixtures for tests.
package testutil

import (
	"bytes"
	"fmt"
)

// BaseWidth is the MediaBox width of page 0; page k is BaseWidth+k points wide
// so tests can tell pages apart after a split.
const BaseWidth = 200

// PDF returns a valid document with the given number of pages. Page k (1-based)
// shows the text "Page k".
func PDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	kids := &bytes.Buffer{}
	for k := 0; k < pages; k++ {
		fmt.Fprintf(kids, "%d 0 R ", 4+2*k)
	}

	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), pages))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for k := 1; k <= pages; k++ {
		content := fmt.Sprintf("BT /F1 18 Tf 20 100 Td (Page %d) Tj ET", k)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d 200] "+
			"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", BaseWidth+k, len(offsets)+2))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)

	return buf.Bytes()
}

// Malformed returns bytes that no PDF reader accepts
func Malformed() []byte {
	return []byte("this is not a pdf document")
}
