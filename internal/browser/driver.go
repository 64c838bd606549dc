// Package browser drives a controlled Chromium instance against CAE portals:
// launch with persistent storage state, declarative login, allow-listed
// navigation, deterministic frame and grid selection, blocker dismissal, and
// the single-item upload primitive.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"caebridge/internal/autoerr"
	"caebridge/internal/config"
	"caebridge/internal/logging"
	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// Options configures a driver instance.
type Options struct {
	Headful           bool
	Bin               string
	NavigationTimeout time.Duration
	StorageStatePath  string
	AllowedDomains    []string
}

// Driver owns one browser process and one page. DOM interaction is
// serialized by rod; a Driver must not be shared across runs.
type Driver struct {
	opts    Options
	browser *rod.Browser
	page    *rod.Page
	log     interface {
		Infow(string, ...any)
		Warnw(string, ...any)
	}
}

// storageState is the persisted cookie + localStorage blob.
type storageState struct {
	Cookies      []*proto.NetworkCookie `json:"cookies"`
	LocalStorage map[string]string      `json:"local_storage"`
	SavedAt      time.Time              `json:"saved_at"`
}

// Launch starts the browser process and opens the working page.
func Launch(ctx context.Context, opts Options) (*Driver, error) {
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	l := launcher.New().Headless(!opts.Headful)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width: 1920, Height: 1080, DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warnw("viewport override failed", "error", err)
	}

	return &Driver{
		opts:    opts,
		browser: b,
		page:    page,
		log:     logging.Get(logging.CategoryBrowser),
	}, nil
}

// Page exposes the working page for grid and upload helpers.
func (d *Driver) Page() *rod.Page { return d.page }

// Close flushes storage state and shuts the browser down.
func (d *Driver) Close() error {
	if d.opts.StorageStatePath != "" {
		if err := d.SaveStorageState(); err != nil {
			d.log.Warnw("storage state flush failed", "error", err)
		}
	}
	return d.browser.Close()
}

// Allowed reports whether a URL stays inside the run's domain allow-list.
// An empty list allows nothing but about:blank.
func Allowed(rawURL string, allowed []string) bool {
	if rawURL == "about:blank" || rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, dom := range allowed {
		dom = strings.ToLower(dom)
		if host == dom || strings.HasSuffix(host, "."+dom) {
			return true
		}
	}
	return false
}

// Navigate moves the page inside the allow-list; escapes abort the run.
func (d *Driver) Navigate(rawURL string) error {
	if !Allowed(rawURL, d.opts.AllowedDomains) {
		return autoerr.Security(autoerr.CodeSecurityDomainEscape,
			fmt.Sprintf("navigation to %s leaves the allowed domains", rawURL))
	}
	page := d.page.Timeout(d.opts.NavigationTimeout)
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return page.WaitLoad()
}

// LoadStorageState restores cookies and localStorage from disk. A missing
// file is not an error; the caller falls back to form login.
func (d *Driver) LoadStorageState() (bool, error) {
	var st storageState
	if err := persist.LoadJSON(d.opts.StorageStatePath, &st); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	params := make([]*proto.NetworkCookieParam, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure,
		})
	}
	if err := d.browser.SetCookies(params); err != nil {
		return false, fmt.Errorf("restore cookies: %w", err)
	}
	if len(st.LocalStorage) > 0 {
		blob, _ := json.Marshal(st.LocalStorage)
		_, err := d.page.Evaluate(&rod.EvalOptions{
			JS: `(blob) => { const m = JSON.parse(blob); for (const k in m) localStorage.setItem(k, m[k]); }`,
			JSArgs: []any{string(blob)},
		})
		if err != nil {
			return false, fmt.Errorf("restore localStorage: %w", err)
		}
	}
	return true, nil
}

// SaveStorageState snapshots cookies and localStorage to disk.
func (d *Driver) SaveStorageState() error {
	cookies, err := d.browser.GetCookies()
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}
	st := storageState{Cookies: cookies, LocalStorage: map[string]string{}, SavedAt: time.Now().UTC()}

	res, err := d.page.Evaluate(&rod.EvalOptions{
		JS: `() => JSON.stringify(Object.fromEntries(Object.entries(localStorage)))`,
	})
	if err == nil && res != nil {
		_ = json.Unmarshal([]byte(res.Value.Str()), &st.LocalStorage)
	}
	return persist.SaveJSON(d.opts.StorageStatePath, st)
}

// Login establishes an authenticated session: storage state first, then the
// declarative login form. Credentials stay in memory; they are never logged.
func (d *Driver) Login(p config.Platform, cred config.Credential) error {
	restored, err := d.LoadStorageState()
	if err != nil {
		return err
	}
	if restored {
		if err := d.Navigate(p.BaseURL); err != nil {
			return err
		}
		if d.probeAuthenticated(p.Login.AuthenticatedProbe) {
			d.log.Infow("session restored from storage state", "platform", p.Key)
			return nil
		}
		d.log.Infow("storage state stale, falling back to form login", "platform", p.Key)
	}

	if err := d.Navigate(p.LoginURL); err != nil {
		return err
	}
	if d.hasCaptcha() {
		return autoerr.External(autoerr.CodeExternalCaptcha,
			"captcha present on login page, human handling required")
	}

	if err := d.fill(p.Login.UserField, cred.Username); err != nil {
		return autoerr.External(autoerr.CodeExternalLoginFailed, "user field not fillable").WithCause(err)
	}
	if err := d.fill(p.Login.PasswordField, cred.Password); err != nil {
		return autoerr.External(autoerr.CodeExternalLoginFailed, "password field not fillable").WithCause(err)
	}
	if err := d.click(p.Login.SubmitButton); err != nil {
		return autoerr.External(autoerr.CodeExternalLoginFailed, "submit button not clickable").WithCause(err)
	}
	if err := d.page.Timeout(d.opts.NavigationTimeout).WaitLoad(); err != nil {
		return fmt.Errorf("wait after login submit: %w", err)
	}

	if !d.probeAuthenticated(p.Login.AuthenticatedProbe) {
		return autoerr.External(autoerr.CodeExternalLoginFailed,
			fmt.Sprintf("authenticated probe %q absent after login", p.Login.AuthenticatedProbe))
	}
	if d.opts.StorageStatePath != "" {
		if err := d.SaveStorageState(); err != nil {
			d.log.Warnw("storage state save failed", "error", err)
		}
	}
	d.log.Infow("login succeeded", "platform", p.Key)
	return nil
}

func (d *Driver) probeAuthenticated(selector string) bool {
	if selector == "" {
		return true
	}
	el, err := d.page.Timeout(5 * time.Second).Element(selector)
	return err == nil && el != nil
}

func (d *Driver) hasCaptcha() bool {
	for _, sel := range []string{`iframe[src*="recaptcha"]`, `iframe[src*="hcaptcha"]`, `#captcha`} {
		if el, err := d.page.Timeout(time.Second).Element(sel); err == nil && el != nil {
			return true
		}
	}
	return false
}

func (d *Driver) fill(selector, value string) error {
	el, err := d.page.Timeout(10 * time.Second).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(value)
}

func (d *Driver) click(selector string) error {
	el, err := d.page.Timeout(10 * time.Second).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Signature hashes URL + title + critical DOM anchors into the screen
// signature used for same-state loop detection.
func Signature(pageURL, title string, anchors []string) string {
	fields := append([]string{pageURL, title}, anchors...)
	return textnorm.Fingerprint(fields...)
}

// CurrentSignature computes the live page's screen signature.
func (d *Driver) CurrentSignature() (string, error) {
	info, err := d.page.Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	var anchors []string
	for _, sel := range []string{"table.hdr", "#menu_lateral", "a.listado_link"} {
		if el, elErr := d.page.Timeout(500 * time.Millisecond).Element(sel); elErr == nil && el != nil {
			anchors = append(anchors, sel)
		}
	}
	return Signature(info.URL, info.Title, anchors), nil
}
