//go:build windows

package terminal

import "os"

func platformEnv(env map[string]string) {
	for _, k := range []string{"USERPROFILE", "APPDATA"} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
}
