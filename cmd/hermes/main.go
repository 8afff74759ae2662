package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/concurrency"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	undo := concurrency.InitializeForKubernetes(bootstrap)

	err := rootCmd.Execute()
	undo()
	_ = bootstrap.Sync()
	if err != nil {
		os.Exit(1)
	}
}
