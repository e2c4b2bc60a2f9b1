package masking

import "io"

// Writer masks every buffer passed through it before handing the result to
// the underlying writer. It sits between zerolog and its sink so that even
// a log call that interpolates a raw secret cannot leak it.
//
// zerolog emits each event as a single Write, so masking per call is
// masking per log line.
type Writer struct {
	masker *Masker
	out    io.Writer
}

// NewWriter wraps out with masking through m.
func NewWriter(m *Masker, out io.Writer) *Writer {
	return &Writer{masker: m, out: out}
}

// Write masks p and forwards it. The reported length is len(p) so callers
// never see a short write when the masked form differs in size.
func (w *Writer) Write(p []byte) (int, error) {
	masked := w.masker.MaskBytes(p)
	if _, err := w.out.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}
