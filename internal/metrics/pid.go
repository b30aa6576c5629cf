package metrics

import "os"

func processPID() int { return os.Getpid() }
