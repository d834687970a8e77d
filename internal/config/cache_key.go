package config

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AnswerKeyHash returns the hash holding questionId -> correct option for the question bank.
func (r *CacheKeyStruct) AnswerKeyHash() string {
	return "questions:answer_key"
}

// SessionsCompletedChannel returns the Redis PubSub channel for finished sessions.
func (r *CacheKeyStruct) SessionsCompletedChannel() string {
	return "sessions:completed"
}

var CacheKey = NewCacheKeyStruct()
