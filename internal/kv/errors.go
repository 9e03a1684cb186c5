package kv

import "fmt"

func errNotInteger(key string) error {
	return fmt.Errorf("kv: value at %q is not an integer", key)
}
