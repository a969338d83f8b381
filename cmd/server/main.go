package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/config"
	"hookrelay/internal/server"
	"hookrelay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg = zap.NewDevelopmentConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{MachinesStateFile: cfg.MachinesStateFile})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "hookrelay",
	}

	router := server.NewRouter(server.Deps{Store: st, TokenConfig: tokenCfg, Log: logger})
	logger.Info("listening", zap.String("addr", fmt.Sprintf(":%d", cfg.Port)))
	if err := server.Run(cfg, router); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
