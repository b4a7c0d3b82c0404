// astraboot-monitor runs a Manager headlessly and exposes the latest
// status of every device over a small read-only HTTP API.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/manager"
)

type deviceStatus struct {
	Path     string `json:"path"`
	Status   string `json:"status"`
	Image    string `json:"image,omitempty"`
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
	Message  string `json:"message,omitempty"`
}

type statusStore struct {
	mu      sync.RWMutex
	devices map[string]deviceStatus
	events  []string
}

func newStatusStore() *statusStore {
	return &statusStore{devices: make(map[string]deviceStatus)}
}

func (s *statusStore) apply(r manager.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.IsManagerResponse() {
		mr := r.GetManagerResponse()
		s.events = append(s.events, fmt.Sprintf("[%s] %s", mr.Status, mr.Message))
		return
	}

	dr := r.GetDeviceResponse()
	s.devices[dr.DevicePath] = deviceStatus{
		Path:     dr.DevicePath,
		Status:   dr.Status.String(),
		Image:    dr.Image,
		Progress: dr.Progress,
		Total:    dr.Total,
		Message:  dr.Message,
	}
}

func (s *statusStore) snapshot() []deviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]deviceStatus, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *statusStore) recentEvents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) > 50 {
		return append([]string{}, s.events[len(s.events)-50:]...)
	}
	return append([]string{}, s.events...)
}

func main() {
	bootFirmwarePath := flag.String("boot-firmware", "", "path to a boot firmware directory or collection")
	flashImagePath := flag.String("flash-image", "", "path to a flash (update) image directory; omit for boot-only mode")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	continuous := flag.Bool("continuous", true, "keep serving devices instead of shutting down after the first completes")
	flag.Parse()

	if *bootFirmwarePath == "" {
		fmt.Fprintln(os.Stderr, "astraboot-monitor: -boot-firmware is required")
		os.Exit(2)
	}

	store := newStatusStore()
	cfg := manager.Config{
		BootFirmwarePath:   *bootFirmwarePath,
		FlashImagePath:     *flashImagePath,
		UpdateContinuously: *continuous,
		MinLogLevel:        applog.LevelInfo,
	}

	mgr := manager.New(cfg, store.apply)
	if err := mgr.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "astraboot-monitor: init failed: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.snapshot())
	})
	router.GET("/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.recentEvents())
	})
	router.GET("/devices/:path", func(c *gin.Context) {
		for _, d := range store.snapshot() {
			if d.Path == c.Param("path") {
				c.JSON(http.StatusOK, d)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
	})

	if err := router.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "astraboot-monitor: http server error: %v\n", err)
		os.Exit(1)
	}
}
