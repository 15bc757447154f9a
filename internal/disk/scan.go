package disk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/fleet-engine/internal/manifest"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/store"
)

// ScanResult lists what a scan registered.
type ScanResult struct {
	Apps      []string
	Instances []string
}

type scanned struct {
	id      string
	compose *manifest.Compose
}

// Scan registers the apps and instances found on the disk mounted at root.
// Folder names are collected first, manifests are read with bounded
// concurrency, and every record is written in one mutation once all reads
// have finished. A folder whose manifest cannot be read keeps the record it
// already has; only records whose folder is gone are removed.
func (m *Manager) Scan(ctx context.Context, diskID, root string) (*ScanResult, error) {
	logger := m.logger.With("disk_id", diskID)

	appIDs, err := manifest.ListFolders(filepath.Join(root, manifest.AppsDir))
	if err != nil {
		return nil, err
	}
	instanceIDs, err := manifest.ListFolders(filepath.Join(root, manifest.InstancesDir))
	if err != nil {
		return nil, err
	}

	apps := make([]*scanned, len(appIDs))
	instances := make([]*scanned, len(instanceIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ScanConcurrency)
	load := func(out []*scanned, i int, id, folder string) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := manifest.Load(folder)
			if err != nil {
				logger.Warn("manifest unreadable, keeping recorded state", "folder", folder, "error", err)
				return nil
			}
			out[i] = &scanned{id: id, compose: c}
			return nil
		})
	}
	for i, id := range appIDs {
		load(apps, i, id, manifest.AppFolder(root, id))
	}
	for i, id := range instanceIDs {
		load(instances, i, id, manifest.InstanceFolder(root, id))
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scanning disk %s: %w", diskID, err)
	}

	result := &ScanResult{}
	_, err = m.store.Mutate(func(tx *store.Tx) error {
		foundApps := make(map[string]bool)
		for i, a := range apps {
			if a == nil {
				if _, err := tx.Store().App(appIDs[i]); err == nil {
					foundApps[appIDs[i]] = true
				}
				continue
			}
			if err := tx.Put(store.KindApp, a.id, a.compose.AppRecord(a.id)); err != nil {
				return err
			}
			foundApps[a.id] = true
			result.Apps = append(result.Apps, a.id)
		}

		foundInstances := make(map[string]bool)
		for i, s := range instances {
			if s == nil {
				if inst, err := tx.Store().Instance(instanceIDs[i]); err == nil && inst.StoredOn == diskID {
					foundInstances[inst.ID] = true
				}
				continue
			}
			if err := m.registerInstance(tx, diskID, s); err != nil {
				return err
			}
			foundInstances[s.id] = true
			result.Instances = append(result.Instances, s.id)
		}

		// Instances recorded on this disk whose folder is gone no longer exist.
		folders := make(map[string]bool, len(instanceIDs))
		for _, id := range instanceIDs {
			folders[id] = true
		}
		for _, inst := range m.store.Instances() {
			if inst.StoredOn == diskID && !folders[inst.ID] {
				tx.Remove(store.KindInstance, inst.ID)
				tx.UnpublishInstance(inst.ID)
			}
		}

		return tx.UpdateDisk(diskID, func(d *models.Disk) error {
			d.Apps = foundApps
			d.Instances = foundInstances
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registering scan of disk %s: %w", diskID, err)
	}

	logger.Info("disk scanned", "apps", len(result.Apps), "instances", len(result.Instances))
	return result, nil
}

func (m *Manager) registerInstance(tx *store.Tx, diskID string, s *scanned) error {
	fresh := s.compose.InstanceRecord(s.id, diskID)
	if fresh.Created == 0 {
		fresh.Created = m.now().UnixMilli()
	}

	existing, err := tx.Store().Instance(s.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := tx.Put(store.KindInstance, s.id, fresh); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := tx.UpdateInstance(s.id, func(i *models.Instance) error {
			i.InstanceOf = fresh.InstanceOf
			i.Name = fresh.Name
			i.StoredOn = diskID
			i.ServiceImages = fresh.ServiceImages
			i.BackUpEnabled = fresh.BackUpEnabled
			if existing.Status == models.InstanceStatusUndocked || existing.Status == "" {
				i.Status = models.InstanceStatusStopped
			}
			return nil
		}); err != nil {
			return err
		}
	}

	tx.PublishInstance(m.store.LocalEngineID(), s.id)
	return nil
}
