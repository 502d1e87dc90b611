package browser

import (
	"fmt"
	"strings"
)

// stealthScript hides the automation fingerprints a marketplace can read from
// the page. It runs on every new document before site scripts.
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
  Object.defineProperty(navigator, 'languages', { get: () => %s });
  Object.defineProperty(navigator, 'platform', { get: () => 'Win32' });
  Object.defineProperty(screen, 'width', { get: () => %d });
  Object.defineProperty(screen, 'height', { get: () => %d });
  window.chrome = window.chrome || { runtime: {} };
  for (const key of Object.keys(window)) {
    if (key.startsWith('cdc_') || key.startsWith('$cdc_')) {
      try { delete window[key]; } catch (e) {}
    }
  }
  const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
  if (originalQuery) {
    window.navigator.permissions.query = (parameters) => (
      parameters.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : originalQuery(parameters)
    );
  }
})();`

// StealthScript renders the anti-detection script for a viewport and language
func StealthScript(language string, width, height int) string {
	return fmt.Sprintf(stealthScript, languageList(language), width, height)
}

// languageList builds the navigator.languages literal, e.g. ['ko-KR','ko','en-US','en']
func languageList(language string) string {
	if language == "" {
		language = "ko-KR"
	}
	langs := []string{language}
	if base, _, ok := strings.Cut(language, "-"); ok {
		langs = append(langs, base)
	}
	if !strings.HasPrefix(language, "en") {
		langs = append(langs, "en-US", "en")
	}

	quoted := make([]string, len(langs))
	for i, l := range langs {
		quoted[i] = "'" + l + "'"
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// proxyServer normalises a configured proxy into a --proxy-server value
func proxyServer(proxy string) string {
	if proxy == "" || strings.Contains(proxy, "://") {
		return proxy
	}
	return "http://" + proxy
}
