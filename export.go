package minidaq

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// DefaultCaptureFilename names an exported capture after its ULID.
func DefaultCaptureFilename(c *Capture) string {
	return fmt.Sprintf("capture_%s.npy", c.ID)
}

// WriteNPY writes the capture's raw samples to path in NumPy's .npy format,
// as a 1-D uint16 array. Analysis tools load it with numpy.load.
func (c *Capture) WriteNPY(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	raw := make([]uint16, len(c.Samples))
	for i, s := range c.Samples {
		raw[i] = uint16(s)
	}
	if err := npyio.Write(f, raw); err != nil {
		f.Close()
		return fmt.Errorf("npy write: %w", err)
	}
	return f.Close()
}
