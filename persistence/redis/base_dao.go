package redis

import (
	"fmt"
	"strings"

	rd "github.com/redis/go-redis/v9"
)

const (
	DEFINITION_KEY    string = "DEFINITION"
	EXECUTION_KEY     string = "EXECUTION"
	STEP_KEY          string = "STEP"
	VARIABLE_KEY      string = "VARIABLE"
	TRIGGER_KEY       string = "TRIGGER"
	TRIGGER_INDEX_KEY string = "TRIGGER_INDEX"
	CORRELATION_KEY   string = "CORRELATION"
	TIMEOUT_KEY       string = "timeout"
)

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
	partitions  int
}

func newBaseDao(conf Config) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		PoolSize: conf.PoolSize,
	})
	partitions := conf.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return &baseDao{
		redisClient: redisClient,
		namespace:   conf.Namespace,
		partitions:  partitions,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}
