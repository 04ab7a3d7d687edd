// Package pipeline wires the archive source, the staging area, the metadata
// provider and the catalog client into a single batch run: every archive is
// fetched, staged, extracted, published as a dataset, and finally moved to the
// processed location when everything succeeded.
package pipeline

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ckanloader/ckan"
	"ckanloader/config"
	"ckanloader/metadata"
	"ckanloader/source"
	"ckanloader/staging"
	"ckanloader/utils"
)

var log = &utils.Logger

// maxResourceNameLength the catalog's limit on resource names.
const maxResourceNameLength = 100

// ErrorRecord pairs a failed archive with the first error that sank it.
type ErrorRecord struct {
	// Source the relative path of the archive within the source
	Source string
	// Cause the first failure encountered while processing it
	Cause error
}

// RunSummary is the outcome of one batch run.
type RunSummary struct {
	Found     int
	Succeeded int
	Failed    int
	Errors    []ErrorRecord
}

// Pipeline processes the archives of one source into one catalog.
type Pipeline struct {
	conf      *config.Config
	source    source.Source
	client    *ckan.Client
	describer metadata.Provider
}

// New builds a pipeline over the given collaborators.
func New(conf *config.Config, src source.Source, client *ckan.Client, describer metadata.Provider) *Pipeline {
	return &Pipeline{conf: conf, source: src, client: client, describer: describer}
}

// Run executes one full batch: list the archives, process each one in
// isolation, and report the aggregated outcome. A single broken archive never
// stops the run; only a failure to reach the catalog at all does.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	p.logRunConfig()

	if err := p.client.TestConnection(ctx); err != nil {
		return nil, fmt.Errorf("Run(): the catalog is not reachable: %w", err)
	}

	archives, err := p.source.ListArchives()
	if err != nil {
		return nil, fmt.Errorf("Run(): listing archives: %w", err)
	}
	summary := &RunSummary{Found: len(archives)}
	if len(archives) == 0 {
		log.Info("No archives found in the source, nothing to do")
		return summary, nil
	}
	log.Info("Found archives to process", zap.Int("count", len(archives)))

	for i, relPath := range archives {
		log.Info(fmt.Sprintf("[%d/%d] Processing archive", i+1, len(archives)),
			zap.String("archive", relPath))
		archiveStart := time.Now()
		if err := p.processArchive(ctx, relPath); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, ErrorRecord{Source: relPath, Cause: err})
			log.Error("Archive processing FAILED", zap.String("archive", relPath),
				zap.Duration("time", time.Since(archiveStart)), zap.Error(err))
			continue
		}
		summary.Succeeded++
		log.Info("Archive processed successfully", zap.String("archive", relPath),
			zap.Duration("time", time.Since(archiveStart)))
	}

	log.Info("Batch run finished",
		zap.Int("found", summary.Found),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("time", time.Since(start)))
	return summary, nil
}

// processArchive runs one archive through the whole chain. The staging area
// is cleaned up whether or not publishing succeeded; the archive is moved to
// the processed location only on success.
func (p *Pipeline) processArchive(ctx context.Context, relPath string) error {
	file, err := p.source.Fetch(relPath)
	if err != nil {
		return fmt.Errorf("processArchive(): fetching '%s': %w", relPath, err)
	}
	defer p.source.Dispose(file)

	stager, err := staging.NewStager(file.LocalPath, relPath, p.conf)
	if err != nil {
		return fmt.Errorf("processArchive(): %w", err)
	}
	defer stager.CleanupStaging()

	if _, err := stager.Stage(); err != nil {
		return err
	}
	files, err := stager.Extract()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Warn("The archive contains no eligible files, skipping publication",
			zap.String("archive", relPath))
	} else if err := p.publish(ctx, relPath, files); err != nil {
		return err
	}

	if p.conf.MoveProcessed {
		moved, err := p.source.MoveToProcessed(relPath)
		if err != nil {
			return fmt.Errorf("processArchive(): moving '%s' to processed: %w", relPath, err)
		}
		log.Info("Archive moved to the processed location",
			zap.String("archive", relPath), zap.String("destination", moved))
	}
	return nil
}

// publish resolves the organization and the dataset for the archive and
// uploads every extracted file as a resource. Resources are uploaded in
// extraction order; a failed resource fails the archive but the remaining
// resources are still attempted so one bad file does not hide the state of
// the rest.
func (p *Pipeline) publish(ctx context.Context, archiveName string, files []staging.ExtractedFile) error {
	org, err := p.resolveOrganization(ctx, archiveName)
	if err != nil {
		return err
	}

	base := archiveBaseName(archiveName)
	datasetSlug := utils.ToSlug(base)
	datasetTitle := utils.ToTitle(base)
	dataset, err := p.client.GetOrCreateDataset(ctx, datasetSlug, datasetTitle, org.ID, archiveName)
	if err != nil {
		return fmt.Errorf("publish(): dataset '%s': %w", datasetSlug, err)
	}

	existing, err := p.client.ListResourceNames(ctx, dataset.ID)
	if err != nil {
		return fmt.Errorf("publish(): listing resources of '%s': %w", datasetSlug, err)
	}

	var firstErr error
	failed := 0
	for i, f := range files {
		name := utils.SafeResourceName(f.RelPath, maxResourceNameLength)
		desc := p.describer.Describe(f.Path, f.RelPath, archiveName)
		existingID := existing[name]
		log.Info(fmt.Sprintf("[%d/%d] Uploading resource", i+1, len(files)),
			zap.String("name", name), zap.Bool("update", existingID != ""))
		if _, err := p.client.UploadOrUpdateResource(ctx, dataset.ID, f.Path, name,
			desc.Description, desc.Format, existingID); err != nil {
			failed++
			log.Error("Resource upload failed", zap.String("name", name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish(): resource '%s': %w", name, err)
			}
		}
	}
	if firstErr != nil {
		log.Error("Some resources failed to upload",
			zap.String("archive", archiveName), zap.Int("failed", failed), zap.Int("total", len(files)))
		return firstErr
	}
	return nil
}

// resolveOrganization finds the owning organization for an archive, creating
// it when allowed by configuration. A missing organization with creation
// disabled is a hard failure for the archive.
func (p *Pipeline) resolveOrganization(ctx context.Context, archiveName string) (*ckan.Organization, error) {
	slug := p.conf.OrgPrefix + utils.ToSlug(archiveBaseName(archiveName))
	org, err := p.client.OrganizationExists(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("resolveOrganization(): checking '%s': %w", slug, err)
	}
	if org != nil {
		return org, nil
	}
	if !p.conf.CreateOrganizations {
		return nil, fmt.Errorf("resolveOrganization(): organization '%s' does not exist "+
			"and automatic creation is disabled", slug)
	}
	title := utils.ToTitle(archiveBaseName(archiveName))
	org, err = p.client.CreateOrganization(ctx, slug, title)
	if err != nil {
		return nil, fmt.Errorf("resolveOrganization(): creating '%s': %w", slug, err)
	}
	return org, nil
}

// archiveBaseName strips any directory components from an archive's relative path.
func archiveBaseName(relPath string) string {
	return path.Base(filepath.ToSlash(relPath))
}

// logRunConfig prints the effective settings once at the start of the run.
func (p *Pipeline) logRunConfig() {
	log.Info("Starting the batch run",
		zap.String("catalog", p.conf.CkanURL),
		zap.Bool("s3Source", p.conf.UseS3()),
		zap.Bool("moveProcessed", p.conf.MoveProcessed),
		zap.Bool("createOrganizations", p.conf.CreateOrganizations),
		zap.Strings("extensions", p.conf.RelevantExtensions))
}
