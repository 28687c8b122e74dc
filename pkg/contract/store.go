package contract

import "context"

// DocName: 持久化文档的逻辑名（如 output/fixed），不含扩展名。
type DocName string

// Store: 阶段边界即文档边界；每阶段读取一个命名文档并写出另一个。
// 约束：
//  1. 同一 DocName 单写者；
//  2. Put 为整体替换（实现应尽量原子）；
//  3. Get 对不存在的文档返回 ErrNotFound；
//  4. 错误直接上抛（不做重试/回退）。
type Store interface {
	Put(ctx context.Context, name DocName, body []byte) error
	Get(ctx context.Context, name DocName) ([]byte, error)
	Exists(ctx context.Context, name DocName) (bool, error)
}
