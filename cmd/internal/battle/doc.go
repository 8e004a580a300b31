// Package battle holds the data model shared by the invite registry, the lobby state machine
// and the session store: invites, lobbies, participants, combatant snapshots and turn records.
//
// Values are plain structs. Anything handed out of a component is a Clone, so callers never
// alias the stored record.
package battle
