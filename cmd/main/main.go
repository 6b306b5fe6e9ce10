package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/db"
	"github.com/visagekit/face-backend/pkg/engine"
	"github.com/visagekit/face-backend/pkg/handler"
	"github.com/visagekit/face-backend/pkg/logger"
	"github.com/visagekit/face-backend/pkg/netinput"
	"github.com/visagekit/face-backend/pkg/pipeline"
	"github.com/visagekit/face-backend/pkg/repository"
	"github.com/visagekit/face-backend/pkg/service"
	"github.com/visagekit/face-backend/pkg/weightstore"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		fmt.Printf("unable to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.GetZapLogger(ctx)
	if err != nil {
		fmt.Printf("unable to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	gormDB := db.Init()
	defer db.Close(gormDB)

	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	defer redisClient.Close()

	eng := engine.NewRemote(config.Config.Engine)

	weights, err := weightstore.NewWeightStore(&config.Config.WeightStore)
	if err != nil {
		log.Warn("weight store unavailable, model deployment disabled", zap.Error(err))
		weights = nil
	}

	coercer := netinput.NewCoercer(netinput.NewResolver(config.Config.Server.MaxDataSize), eng)
	pipe := pipeline.New(eng, config.Config.Engine, config.Config.Pipeline)

	svc := service.NewService(
		eng,
		coercer,
		pipe,
		repository.NewRepository(gormDB),
		redisClient,
		weights,
		config.Config.Engine,
		config.Config.Pipeline,
		config.Config.Cache.TTL,
	)

	if err := svc.DeployModels(ctx); err != nil {
		log.Warn("model deployment failed, assuming models are already loaded", zap.Error(err))
	}

	if !config.Config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handler.RequestID(), handler.Logger(log))
	handler.NewHandler(svc, config.Config.Pipeline).Routes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%v", config.Config.Server.Port),
		Handler: router,
	}

	quitSig := make(chan os.Signal, 1)
	errSig := make(chan error)
	if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
		go func() {
			if err := httpServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key); err != nil {
				errSig <- err
			}
		}()
	} else {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				errSig <- err
			}
		}()
	}
	log.Info("face-backend server is running.", zap.Int("port", config.Config.Server.Port))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		log.Error(fmt.Sprintf("fatal error: %v", err))
	case <-quitSig:
		log.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(fmt.Sprintf("server shutdown: %v", err))
		}
	}
}
