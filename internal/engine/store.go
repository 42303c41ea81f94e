package engine

import (
	"fmt"
	"io"

	"github.com/petrijr/fluxq/pkg/api"
)

// resolveStore turns a WithStore value into a Store. owned reports
// whether the queue opened it and must close it.
func resolveStore(spec any, filo bool) (s api.Store, owned bool, err error) {
	switch v := spec.(type) {
	case api.Store:
		s = v
	case string:
		s, err = api.OpenStore(api.StoreConfig{Type: v})
		owned = true
	case api.StoreConfig:
		s, err = api.OpenStore(v)
		owned = true
	case *api.StoreConfig:
		if v == nil {
			return nil, false, &api.ConfigError{Err: api.ErrUnknownStore, Detail: "nil store config"}
		}
		s, err = api.OpenStore(*v)
		owned = true
	default:
		return nil, false, &api.ConfigError{Err: api.ErrUnknownStore, Detail: fmt.Sprintf("unsupported store value %T", spec)}
	}
	if err != nil {
		return nil, false, err
	}

	if _, ok := s.(api.LastNTaker); filo && !ok {
		if owned {
			_ = closeStore(s)
		}
		return nil, false, &api.ConfigError{Err: api.ErrUnknownStore, Detail: fmt.Sprintf("%T cannot take newest first", s)}
	}
	return s, owned, nil
}

func closeStore(s api.Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
