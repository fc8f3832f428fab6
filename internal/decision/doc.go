// Package decision provides batch.DecisionMaker implementations: a local
// heuristic (Rules), a fixed size (Static) and a remote service (HTTP).
package decision
