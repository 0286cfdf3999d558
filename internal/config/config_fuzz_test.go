package config

import "testing"

// FuzzResolve ensures arbitrary tuning input never yields a non-positive
// interval or a negative grace count.
func FuzzResolve(f *testing.F) {
	f.Add("10", "10", "100", "0", "1")
	f.Add("", "-1", "abc", "9999999999999999999999", "off")
	f.Fuzz(func(t *testing.T, observe, check, once, spins, stdout string) {
		values := map[string]any{
			KeyObserveMs:          observe,
			KeyCheckMs:            check,
			KeyReportOnceMs:       once,
			KeyIgnoreInitialSpins: spins,
			KeyStdoutOutput:       stdout,
		}
		w := resolve(Defaults(), func(key string) (any, bool) {
			v, ok := values[key]
			return v, ok
		})
		if w.ObserveInterval <= 0 || w.CheckInterval <= 0 || w.ReportOnce <= 0 || w.IgnoreInitialSpins < 0 {
			t.Fatalf("invalid resolved config %+v", w)
		}
	})
}
