// Copyright (C) 2024  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Entsync is a driver program for inspecting entity-changed event outboxes.
package main

import "lab.nexedi.com/kirr/go123/prog"

// registry of all entsync commands
var commands = prog.CommandRegistry{
	// NOTE the order commands are listed here is the order how they will appear in help
	{"info", infoSummary, infoUsage, infoMain},
	{"dump", dumpSummary, dumpUsage, dumpMain},
	{"watch", watchSummary, watchUsage, watchMain},
}

const helpOutbox = `Every entsync command works with an outbox database.

An outbox is SQLite database file into which applications write
entity-changed events of committed transactions. Each record has sequence
number, increasing in commit order, id of the transaction that produced it,
entity class and id, change type (CREATED, UPDATED or DELETED) and, for
updates, changed attributes with their old and new values.

Records are printed as

	#<seq> <TYPE> <class>#<id> [{<attr>: <old> → <new>, ...}]

and, where transaction boundaries are shown, grouped under

	txn <txn-id> <commit-time>
`

var helpTopics = prog.HelpRegistry{
	{"outbox", "outbox database and record format", helpOutbox},
}

func main() {
	prog := prog.MainProg{
		Name:       "entsync",
		Summary:    "Entsync is a tool to inspect entity-changed event outboxes",
		Commands:   commands,
		HelpTopics: helpTopics,
	}

	prog.Main()
}
