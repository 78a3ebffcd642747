package broker

// Event is one callback from the broker.
type Event interface {
	event()
}

type Connected struct {
	Code int
}

type ConditionLoaded struct {
	OK  bool
	Msg string
}

type ConditionList struct {
	Screen string
	Codes  []string
	Name   string
	Index  int
	Next   bool
}

type TRData struct {
	Screen  string
	Name    string
	TRCode  string
	Records []map[string]string
	Next    bool
}

type RealData struct {
	Symbol   string
	RealType string
	Values   map[string]string
}

type Chejan struct {
	Gubun  string
	Values map[string]string
}

type RealCondition struct {
	Symbol string
	Kind   string
	Name   string
	Index  int
}

// Rewind is raised by a simulated broker when a replayed day starts over. Nothing sent
// before it is valid afterwards.
type Rewind struct{}

type Message struct {
	Screen string
	Name   string
	TRCode string
	Msg    string
}

func (Connected) event()       {}
func (ConditionLoaded) event() {}
func (ConditionList) event()   {}
func (TRData) event()          {}
func (RealData) event()        {}
func (Chejan) event()          {}
func (RealCondition) event()   {}
func (Message) event()         {}
func (Rewind) event()          {}

// frame is the wire form of an event on the bridge websocket.
type frame struct {
	Type     string              `json:"type"`
	Code     int                 `json:"code,omitempty"`
	OK       bool                `json:"ok,omitempty"`
	Msg      string              `json:"msg,omitempty"`
	Screen   string              `json:"screen,omitempty"`
	Name     string              `json:"name,omitempty"`
	TRCode   string              `json:"tr_code,omitempty"`
	Symbol   string              `json:"symbol,omitempty"`
	RealType string              `json:"real_type,omitempty"`
	Kind     string              `json:"kind,omitempty"`
	Gubun    string              `json:"gubun,omitempty"`
	Index    int                 `json:"index,omitempty"`
	Next     bool                `json:"next,omitempty"`
	Codes    []string            `json:"codes,omitempty"`
	Records  []map[string]string `json:"records,omitempty"`
	Values   map[string]string   `json:"values,omitempty"`
}

func (f frame) event() (Event, bool) {
	switch f.Type {
	case "connect":
		return Connected{Code: f.Code}, true
	case "condition_loaded":
		return ConditionLoaded{OK: f.OK, Msg: f.Msg}, true
	case "condition_list":
		return ConditionList{Screen: f.Screen, Codes: f.Codes, Name: f.Name, Index: f.Index, Next: f.Next}, true
	case "tr_data":
		return TRData{Screen: f.Screen, Name: f.Name, TRCode: f.TRCode, Records: f.Records, Next: f.Next}, true
	case "real_data":
		return RealData{Symbol: f.Symbol, RealType: f.RealType, Values: f.Values}, true
	case "chejan":
		return Chejan{Gubun: f.Gubun, Values: f.Values}, true
	case "real_condition":
		return RealCondition{Symbol: f.Symbol, Kind: f.Kind, Name: f.Name, Index: f.Index}, true
	case "msg":
		return Message{Screen: f.Screen, Name: f.Name, TRCode: f.TRCode, Msg: f.Msg}, true
	default:
		return nil, false
	}
}
