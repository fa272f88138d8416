package parser

import (
	"testing"

	"github.com/wudi/pdfinspect/recovery"
)

func FuzzParser(f *testing.F) {
	f.Add([]byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n..."))
	f.Add([]byte("3 0 obj\n<< /Length 4 >>\nstream\nabcd\nendstream\nendobj"))
	f.Add([]byte("[1 2 << /A [>> ]"))

	f.Fuzz(func(t *testing.T, data []byte) {
		for _, rec := range []recovery.Strategy{recovery.NewStrictStrategy(), recovery.NewLenientStrategy()} {
			p := New(data, Config{Recovery: rec})
			for i := 0; i <= len(data); i++ {
				if _, _, err := p.Next(); err != nil {
					break
				}
			}
		}
	})
}
