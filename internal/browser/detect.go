// Package browser launches and supervises Chromium-family browser processes
// and discovers their DevTools endpoints.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// ChromeEnv names the environment variable that overrides browser detection.
const ChromeEnv = "WEBDRIVE_CHROME"

// chromePaths returns the list of paths to search for Chrome on the current platform.
func chromePaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
		}
	case "linux":
		return []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
			"/snap/bin/chromium",
			"microsoft-edge",
			"brave-browser",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
		}
	default:
		return nil
	}
}

// FindChrome locates a Chromium-family binary. WEBDRIVE_CHROME wins when
// set; an invalid override is an error rather than a fallback to search.
func FindChrome() (string, error) {
	if envPath := os.Getenv(ChromeEnv); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("%w: %s=%s: %w", ErrChromeNotFound, ChromeEnv, envPath, err)
		}
		return envPath, nil
	}

	for _, path := range chromePaths() {
		if found, err := exec.LookPath(path); err == nil {
			return found, nil
		}
	}

	return "", ErrChromeNotFound
}
