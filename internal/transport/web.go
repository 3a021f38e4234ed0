package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"stepsync/pkg/model"
	"stepsync/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
)

// StateFunc 返回 coordinator 当前的运行状态
type StateFunc func(ctx context.Context) (*model.RunState, error)

// NewWebHandler 同一个端口上: grpc-web 请求交给 collective 服务，其余走 gin 的状态接口
func NewWebHandler(s *Server, state StateFunc) http.Handler {
	wrapped := grpcweb.WrapServer(s.GRPC())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/state", func(c *gin.Context) {
			st, err := state(c.Request.Context())
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, st)
		})
		api.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"world": s.hub.Size()})
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wrapped.IsGrpcWebRequest(r) {
			wrapped.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

// ListenWeb 启动 HTTP 服务；返回的 server 由调用方负责 Shutdown
func ListenWeb(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Transport] web listener stopped: %v", err)
		}
	}()
	return srv
}
