package oauth

import "github.com/pkg/browser"

// SystemBrowser opens URLs with the OS's default browser via
// github.com/pkg/browser, replacing a hand-rolled per-OS exec.Command
// switch.
type SystemBrowser struct{}

func (SystemBrowser) Open(url string) error {
	return browser.OpenURL(url)
}
