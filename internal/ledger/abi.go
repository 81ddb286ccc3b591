package ledger

// Each event variant gets its own ABI document: go-abi renames overloaded
// event names inside a single ABI, which would hide the older layout.

const openedV1ABI = `[{"type":"event","name":"Opened","anonymous":false,"inputs":[
	{"name":"id","type":"uint32","indexed":true},
	{"name":"state","type":"uint8","indexed":false},
	{"name":"asset","type":"uint32","indexed":true},
	{"name":"longSide","type":"bool","indexed":false},
	{"name":"lots","type":"uint16","indexed":false},
	{"name":"entryOrTargetX6","type":"int64","indexed":false},
	{"name":"slX6","type":"int64","indexed":false},
	{"name":"tpX6","type":"int64","indexed":false},
	{"name":"liqX6","type":"int64","indexed":false}
]}]`

const openedV2ABI = `[{"type":"event","name":"Opened","anonymous":false,"inputs":[
	{"name":"id","type":"uint32","indexed":true},
	{"name":"trader","type":"address","indexed":true},
	{"name":"asset","type":"uint32","indexed":true},
	{"name":"state","type":"uint8","indexed":false},
	{"name":"longSide","type":"bool","indexed":false},
	{"name":"lots","type":"uint16","indexed":false},
	{"name":"leverageX","type":"uint16","indexed":false},
	{"name":"entryOrTargetX6","type":"int64","indexed":false},
	{"name":"slX6","type":"int64","indexed":false},
	{"name":"tpX6","type":"int64","indexed":false},
	{"name":"liqX6","type":"int64","indexed":false}
]}]`

const executedABI = `[{"type":"event","name":"Executed","anonymous":false,"inputs":[
	{"name":"id","type":"uint32","indexed":true},
	{"name":"entryX6","type":"int64","indexed":false}
]}]`

const stopsUpdatedABI = `[{"type":"event","name":"StopsUpdated","anonymous":false,"inputs":[
	{"name":"id","type":"uint32","indexed":true},
	{"name":"slX6","type":"int64","indexed":false},
	{"name":"tpX6","type":"int64","indexed":false}
]}]`

const removedABI = `[{"type":"event","name":"Removed","anonymous":false,"inputs":[
	{"name":"id","type":"uint32","indexed":true},
	{"name":"reason","type":"uint8","indexed":false},
	{"name":"execX6","type":"int64","indexed":false},
	{"name":"pnlUsd6","type":"int256","indexed":false}
]}]`
