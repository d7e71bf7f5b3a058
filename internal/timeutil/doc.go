// Package timeutil provides [Timer], a small wrapper over [time.AfterFunc]
// that remembers when it was started, how long it runs and whether it was
// stopped or has already fired.
//
//	tmr := timeutil.AfterFunc(500*time.Millisecond, func() {
//	    log.Println("expired")
//	})
//	log.Println("expires at", tmr.ExpiresAt())
//
// All timer methods are safe for concurrent use.
package timeutil
