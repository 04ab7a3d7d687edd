package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"ckanloader/ckan"
	"ckanloader/config"
	"ckanloader/metadata"
	"ckanloader/pipeline"
	"ckanloader/source"
	"ckanloader/utils"
)

var log = &utils.Logger

func main() {
	os.Exit(run())
}

func run() int {
	// reading configuration shall be the very first action because it also configures the logger
	conf := config.GetConfig()
	log.Info("Starting the application")

	ctx := context.Background()

	var src source.Source
	var err error
	if conf.UseS3() {
		log.Info("Using AWS S3 bucket", zap.String("bucket", conf.S3Bucket),
			zap.String("prefix", conf.S3Prefix))
		src, err = source.NewS3Source(ctx, conf)
	} else {
		log.Info("Using local directory", zap.String("dir", conf.SourceDir))
		src, err = source.NewLocalSource(conf.SourceDir, conf.ProcessedDir)
	}
	if err != nil {
		log.Error("Failed to initialize the archive source", zap.Error(err))
		return 1
	}

	client, err := ckan.NewClient(conf.CkanURL, conf.CkanAPIKey, conf.RequestTimeout)
	if err != nil {
		log.Error("Failed to initialize the catalog client", zap.Error(err))
		return 1
	}

	pipe := pipeline.New(conf, src, client, metadata.NewExtensionProvider())
	summary, err := pipe.Run(ctx)
	if err != nil {
		log.Error("The batch run aborted", zap.Error(err))
		return 1
	}

	for _, record := range summary.Errors {
		log.Error("Failed archive", zap.String("archive", record.Source), zap.Error(record.Cause))
	}
	if summary.Failed > 0 {
		log.Error("Finished with failures", zap.Int("failed", summary.Failed),
			zap.Int("succeeded", summary.Succeeded), zap.Int("found", summary.Found))
		return 1
	}
	log.Info("Finished successfully", zap.Int("succeeded", summary.Succeeded),
		zap.Int("found", summary.Found))
	return 0
}
