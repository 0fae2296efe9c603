package browserpool

// ChromiumArgs is the frozen flag set spec.md §6 calls a stable part of
// the external contract: disables updates, sync, background networking,
// extensions, notifications and similar noise. The GPU and first-run
// flags (--disable-gpu, --no-first-run) are not in this list;
// processLauncher.Launch prepends them. Ported from
// original_source/config.py's CHROMIUM_ARGS.
var ChromiumArgs = []string{
	"--start-maximized",
	"--disable-backgrounding-occluded-windows",
	"--disable-hang-monitor",
	"--metrics-recording-only",
	"--disable-sync",
	"--disable-background-timer-throttling",
	"--disable-prompt-on-repost",
	"--disable-background-networking",
	"--disable-infobars",
	"--remote-allow-origins=*",
	"--homepage=about:blank",
	"--no-service-autorun",
	"--disable-ipc-flooding-protection",
	"--disable-session-crashed-bubble",
	"--force-fieldtrials=*BackgroundTracing/default/",
	"--disable-breakpad",
	"--password-store=basic",
	"--disable-features=IsolateOrigins,site-per-process",
	"--disable-client-side-phishing-detection",
	"--use-mock-keychain",
	"--no-pings",
	"--disable-renderer-backgrounding",
	"--disable-component-update",
	"--disable-dev-shm-usage",
	"--disable-default-apps",
	"--disable-domain-reliability",
	"--no-default-browser-check",
	"--disable-history-quick-provider",
	"--disable-history-url-provider",
	"--disable-save-password-bubble",
	"--disable-single-click-autofill",
	"--disable-autofill-download-manager",
	"--disable-offer-store-unmasked-wallet-cards",
	"--disable-offer-upload-credit-cards",
	"--disable-extensions",
	"--disable-notifications",
	"--disable-geolocation",
	"--disable-media-source",
	"--disable-device-discovery-notifications",
	"--disable-component-extensions-with-background-pages",
	"--disable-backing-store",
	"--disable-features=OptimizationHints",
}
