package db

import (
	"context"
	"sync"
)

// FolderCache provides thread-safe access to the watched folder list.
// Reloaded by the folder watcher on a ticker and after folder scans.
type FolderCache struct {
	mu      sync.RWMutex
	folders []*Folder
	dbc     *DatabaseConnection
}

// NewFolderCache creates a new folder cache and loads initial values from DB.
func NewFolderCache(ctx context.Context, dbc *DatabaseConnection) (*FolderCache, error) {
	folders, err := dbc.Queries(ctx).ListWatchedFolders(ctx)
	if err != nil {
		return nil, err
	}
	return &FolderCache{
		folders: folders,
		dbc:     dbc,
	}, nil
}

// Get returns the current folders. Safe for concurrent reads.
func (c *FolderCache) Get() []*Folder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.folders
}

// Reload fetches fresh folders from the database and updates the cache.
func (c *FolderCache) Reload(ctx context.Context) error {
	folders, err := c.dbc.Queries(ctx).ListWatchedFolders(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.folders = folders
	c.mu.Unlock()
	return nil
}
