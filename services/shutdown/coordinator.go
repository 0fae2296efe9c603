package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bpgateway/logger"
)

/*
Graceful shutdown coordinator:
- Coordinated shutdown sequence
- Drain in-flight requests
- Clean up resources
*/

type ShutdownHandler func(context.Context) error

type Coordinator struct {
	handlers      []ShutdownHandler
	handlerNames  []string
	mu            sync.Mutex
	shutdownOnce  sync.Once
	shutdownChan  chan struct{}
	timeout       time.Duration
}

// NewCoordinator creates a new shutdown coordinator
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		handlers:     make([]ShutdownHandler, 0),
		handlerNames: make([]string, 0),
		shutdownChan: make(chan struct{}),
		timeout:      timeout,
	}
}

// RegisterHandler registers a shutdown handler
func (c *Coordinator) RegisterHandler(name string, handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, handler)
	c.handlerNames = append(c.handlerNames, name)

	logger.Info("Registered shutdown handler", zap.String("name", name))
}

// Start begins listening for shutdown signals
func (c *Coordinator) Start() {
	// nkk: Listen for OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		c.Shutdown()
	}()
}

// Shutdown initiates graceful shutdown
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger.Info("Starting graceful shutdown")
		close(c.shutdownChan)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.executeShutdown(ctx)
	})
}

// executeShutdown runs all shutdown handlers
func (c *Coordinator) executeShutdown(ctx context.Context) {
	// nkk: Start handlers in reverse registration order, each in its own
	// goroutine; they run concurrently and none waits for another

	var wg sync.WaitGroup
	errors := make(chan error, len(c.handlers))

	for i := len(c.handlers) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			name := c.handlerNames[idx]
			handler := c.handlers[idx]

			logger.Info("Shutting down service", zap.String("name", name))

			// nkk: Give each handler up to 5s, bounded by the overall timeout
			handlerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := handler(handlerCtx); err != nil {
				logger.Error("Shutdown handler failed",
					zap.String("name", name),
					zap.Error(err))
				errors <- err
			} else {
				logger.Info("Service shutdown complete", zap.String("name", name))
			}
		}(i)
	}

	// nkk: Wait for all handlers or timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All services shut down gracefully")
	case <-ctx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	close(errors)

	// nkk: Log any errors
	errorCount := 0
	for err := range errors {
		if err != nil {
			errorCount++
		}
	}

	if errorCount > 0 {
		logger.Warn("Shutdown completed with errors", zap.Int("error_count", errorCount))
	}
}

// WaitForShutdown blocks until shutdown is initiated
func (c *Coordinator) WaitForShutdown() {
	<-c.shutdownChan
}

// CreateBrowserPoolShutdown creates a shutdown handler for the resource
// pool: stop the warm/health loops and tear down every active instance.
func CreateBrowserPoolShutdown(pool interface{ Shutdown(context.Context) }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("Shutting down browser pool")
		pool.Shutdown(ctx)
		return nil
	}
}

// CreateHTTPServerShutdown creates shutdown handler for HTTP server
func CreateHTTPServerShutdown(server interface{ Shutdown(context.Context) error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server")
		return server.Shutdown(ctx)
	}
}

// CreateEventPublisherShutdown creates a shutdown handler for the
// lifecycle event publisher (the kafka-go writer, or a no-op).
func CreateEventPublisherShutdown(publisher interface{ Close() error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("Closing lifecycle event publisher")
		return publisher.Close()
	}
}