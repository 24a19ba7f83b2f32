package models

// AmountState 抽取记录的金额解析状态
type AmountState int

const (
	AmountUnparsed  AmountState = iota // 文本中没有可解析的金额
	AmountParsed                       // 从文本中解析出金额
	AmountDefaulted                    // 使用门户配置的默认金额
)

func (s AmountState) String() string {
	switch s {
	case AmountParsed:
		return "parsed"
	case AmountDefaulted:
		return "defaulted"
	default:
		return "unparsed"
	}
}

// ExtractionRecord 从页面元素抽取出的临时记录
type ExtractionRecord struct {
	RawText  string      // 元素可见文本
	SourceID string      // 元素的value/id/data属性
	DedupKey string      // 单次任务内唯一
	State    AmountState // 金额状态
	amount   float64
}

// NewParsedRecord 创建已解析金额的记录
func NewParsedRecord(rawText, sourceID, dedupKey string, amount float64) ExtractionRecord {
	return ExtractionRecord{RawText: rawText, SourceID: sourceID, DedupKey: dedupKey, State: AmountParsed, amount: amount}
}

// NewDefaultedRecord 创建使用默认金额的记录
func NewDefaultedRecord(rawText, sourceID, dedupKey string, amount float64) ExtractionRecord {
	return ExtractionRecord{RawText: rawText, SourceID: sourceID, DedupKey: dedupKey, State: AmountDefaulted, amount: amount}
}

// Amount 返回金额及其是否可用; 未解析的记录返回 (0, false)
func (r ExtractionRecord) Amount() (float64, bool) {
	switch r.State {
	case AmountParsed, AmountDefaulted:
		return r.amount, true
	default:
		return 0, false
	}
}
