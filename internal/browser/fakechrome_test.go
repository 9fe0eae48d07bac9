package browser

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const fakeChromeEnv = "WEBDRIVE_FAKE_CHROME"

// Fake browser behaviours selected through fakeChromeEnv.
const (
	fakeNormal   = "normal"   // serves discovery, exits on Browser.close or interrupt
	fakeStubborn = "stubborn" // ignores Browser.close and interrupts
	fakeNoPort   = "noport"   // never listens
	fakeExit     = "exit"     // exits immediately with an error
)

const fakeBrowserPath = "/devtools/browser/fake"

// runFakeChrome emulates enough of a browser's remote debugging surface for
// the process tests and returns the exit code.
func runFakeChrome(mode string, args []string) int {
	var port int
	var dataDir string
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--remote-debugging-port="); ok {
			port, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(arg, "--user-data-dir="); ok {
			dataDir = v
		}
	}

	fmt.Fprintln(os.Stderr, "fake chrome starting")

	switch mode {
	case fakeExit:
		fmt.Fprintln(os.Stderr, "fatal: profile locked")
		return 3
	case fakeNoPort:
		fmt.Fprintln(os.Stderr, "cannot bind debugging port")
		time.Sleep(time.Minute)
		return 1
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		return 1
	}
	addr := ln.Addr().String()
	actual := ln.Addr().(*net.TCPAddr).Port

	if dataDir != "" {
		content := fmt.Sprintf("%d\n%s\n", actual, fakeBrowserPath)
		if err := os.WriteFile(filepath.Join(dataDir, ActivePortFile), []byte(content), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "write port file:", err)
			return 1
		}
	}

	quit := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(quit) }) }

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(VersionInfo{
			Browser:         "FakeChrome/1.0",
			ProtocolVersion: "1.3",
			WebSocketURL:    "ws://" + addr + fakeBrowserPath,
		})
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Target{{
			ID:           "T1",
			Type:         "page",
			URL:          "about:blank",
			WebSocketURL: "ws://" + addr + "/devtools/page/T1",
		}})
	})
	mux.HandleFunc(fakeBrowserPath, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		unanswered := 0
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if json.Unmarshal(data, &req) != nil {
				continue
			}

			result := "{}"
			switch req.Method {
			case "Browser.close":
				if mode != fakeStubborn {
					stop()
					return
				}
			case "Browser.getVersion":
				result = `{"product":"FakeChrome/1.0","protocolVersion":"1.3"}`
			case "Test.hang":
				unanswered++
				continue
			case "Test.unanswered":
				result = fmt.Sprintf(`{"count":%d}`, unanswered)
			}
			reply := fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, result)
			if err := c.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()

	for {
		select {
		case <-sigs:
			if mode == fakeStubborn {
				fmt.Fprintln(os.Stderr, "ignoring interrupt")
				continue
			}
			return 0
		case <-quit:
			return 0
		}
	}
}
