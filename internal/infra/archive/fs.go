package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore сохраняет архивные копии страниц на файловой системе.
// Ключи контент-адресуемые, поэтому существующий файл никогда не перезаписывается.
type FSStore struct {
	root string
}

// NewFSStore создаёт хранилище с указанным корнем.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// Store записывает данные по ключу и возвращает ссылку на артефакт.
// Повторная запись того же ключа возвращает существующую ссылку без записи.
func (s *FSStore) Store(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return path, nil
}
