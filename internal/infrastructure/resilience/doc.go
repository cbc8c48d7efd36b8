/*
Package resilience provides a circuit breaker guarding the upstream browser.

# Overview

The breaker counts consecutive render failures against the browser endpoint.
After FailMax failures the circuit opens and page acquisition is refused
until ResetTimeout elapses; the next request is then admitted as a single
probe whose outcome closes or re-opens the circuit.

# Usage

	breaker := resilience.New("chrome", resilience.Settings{
		FailMax:      5,
		ResetTimeout: 60 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Printf("breaker %s: %s -> %s", name, from, to)
		},
	})

	if err := breaker.Allow(); err != nil {
		return err // fail fast, upstream is open
	}
	err := render()
	breaker.Record(err == nil)

Outcomes that neither indict nor vindicate the upstream are reported with
Neutral, which releases an admitted half-open probe slot without moving
the state machine.

# States

	Closed --[FailMax consecutive failures]-> Open --[ResetTimeout]-> Half-Open
	Half-Open --[probe success]-> Closed
	Half-Open --[probe failure]-> Open
*/
package resilience
